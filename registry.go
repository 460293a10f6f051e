package weft

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/weft/pkg/directory"
)

// Direction tells which side of an edge opened a connection.
type Direction uint8

const (
	// Forward connections are opened by the worker hosting the output.
	Forward Direction = iota
	// Reverse connections are opened by the worker hosting the input.
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// Mode tells how data moves on a live connection.
type Mode uint8

const (
	// Fused connections link two colocated endpoints in memory.
	Fused Mode = iota
	// Streamed connections move encoded data over a socket.
	Streamed
)

func (m Mode) String() string {
	if m == Streamed {
		return "streamed"
	}
	return "fused"
}

// LiveConnection is a running transfer registered by a worker.
type LiveConnection struct {
	ID        uuid.UUID
	Key       directory.ConnectionKey
	Direction Direction
	Mode      Mode
	Since     time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newLiveConnection(parent context.Context, key directory.ConnectionKey, dir Direction, mode Mode) *LiveConnection {
	ctx, cancel := context.WithCancelCause(parent)
	return &LiveConnection{
		ID:        uuid.New(),
		Key:       key,
		Direction: dir,
		Mode:      mode,
		Since:     time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Cancel stops the transfer. Pumps ending because of errRestart are
// handed to the retry engine.
func (lc *LiveConnection) Cancel(cause error) {
	lc.cancel(cause)
}

// connRegistry holds at most one live connection per key.
//
// A worker keeps two of them: the one where outputs are drained from and
// the one where inputs are fed into. The same key may appear once in each
// when both endpoints are local.
type connRegistry struct {
	role    string
	entries map[directory.ConnectionKey]*LiveConnection
	lk      sync.Mutex

	onChange func(role string, size int)
}

func newConnRegistry(role string, onChange func(string, int)) *connRegistry {
	return &connRegistry{
		role:     role,
		entries:  make(map[directory.ConnectionKey]*LiveConnection),
		onChange: onChange,
	}
}

// insert registers lc unless its key is already taken.
func (r *connRegistry) insert(lc *LiveConnection) bool {
	r.lk.Lock()
	if _, taken := r.entries[lc.Key]; taken {
		r.lk.Unlock()
		return false
	}
	r.entries[lc.Key] = lc
	size := len(r.entries)
	r.lk.Unlock()

	r.notify(size)
	return true
}

// remove unregisters lc only if it is still the entry for its key.
func (r *connRegistry) remove(lc *LiveConnection) bool {
	r.lk.Lock()
	current, ok := r.entries[lc.Key]
	if !ok || current != lc {
		r.lk.Unlock()
		return false
	}
	delete(r.entries, lc.Key)
	size := len(r.entries)
	r.lk.Unlock()

	r.notify(size)
	return true
}

func (r *connRegistry) get(key directory.ConnectionKey) (*LiveConnection, bool) {
	r.lk.Lock()
	defer r.lk.Unlock()
	lc, ok := r.entries[key]
	return lc, ok
}

func (r *connRegistry) has(key directory.ConnectionKey) bool {
	_, ok := r.get(key)
	return ok
}

// snapshot returns copies ordered by key.
func (r *connRegistry) snapshot() []LiveConnection {
	r.lk.Lock()
	out := make([]LiveConnection, 0, len(r.entries))
	for _, lc := range r.entries {
		out = append(out, *lc)
	}
	r.lk.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

func (r *connRegistry) notify(size int) {
	if r.onChange != nil {
		r.onChange(r.role, size)
	}
}
