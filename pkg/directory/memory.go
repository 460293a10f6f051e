package directory

import (
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store. Readers work on an immutable snapshot of
// the tree while writers are serialised, so a single Memory can safely be
// shared by several workers living in the same process.
type Memory struct {
	keyspace
	mem *memBackend
}

func NewMemory() *Memory {
	mb := &memBackend{}
	mb.tree.Store(iradix.New())
	return &Memory{
		keyspace: keyspace{kv: mb},
		mem:      mb,
	}
}

func (m *Memory) Close() error {
	m.mem.closed.Store(true)
	return nil
}

type memBackend struct {
	tree   atomic.Pointer[iradix.Tree]
	lk     sync.Mutex
	closed atomic.Bool
}

func (mb *memBackend) get(key []byte) ([]byte, error) {
	if mb.closed.Load() {
		return nil, ErrClosed
	}
	val, ok := mb.tree.Load().Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return val.([]byte), nil
}

func (mb *memBackend) set(pairs ...kvPair) error {
	return mb.commit(func(txn *iradix.Txn) error {
		for _, p := range pairs {
			txn.Insert(p.key, p.val)
		}
		return nil
	})
}

func (mb *memBackend) del(keys ...[]byte) error {
	return mb.commit(func(txn *iradix.Txn) error {
		for _, k := range keys {
			txn.Delete(k)
		}
		return nil
	})
}

func (mb *memBackend) update(key []byte, fn func(old []byte) ([]byte, error)) error {
	return mb.commit(func(txn *iradix.Txn) error {
		old, ok := txn.Get(key)
		if !ok {
			return ErrNotFound
		}
		val, err := fn(old.([]byte))
		if err != nil {
			return err
		}
		txn.Insert(key, val)
		return nil
	})
}

func (mb *memBackend) scan(prefix []byte, fn func(key, val []byte) error) error {
	if mb.closed.Load() {
		return ErrClosed
	}
	var err error
	mb.tree.Load().Root().WalkPrefix(prefix, func(k []byte, v interface{}) bool {
		err = fn(k, v.([]byte))
		return err != nil
	})
	return err
}

func (mb *memBackend) commit(fn func(*iradix.Txn) error) error {
	mb.lk.Lock()
	defer mb.lk.Unlock()
	if mb.closed.Load() {
		return ErrClosed
	}
	txn := mb.tree.Load().Txn()
	if err := fn(txn); err != nil {
		return err
	}
	mb.tree.Store(txn.Commit())
	return nil
}
