// Package directory persists the declared state of a weft cluster: which
// worker instances exist, which processes they host and which connections
// should link those processes.
//
// Nothing here is transactional across calls. Callers are expected to
// re-check what they read before acting on it.
package directory

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("directory: not found")
	ErrCorrupt  = errors.New("directory: corrupt record")
	ErrClosed   = errors.New("directory: store closed")
)

// WorkerInstance is a running worker reachable at Address:Port.
type WorkerInstance struct {
	Name    string
	Address string
	Port    int
}

// Addr renders the dialable address of the instance.
func (wi WorkerInstance) Addr() string {
	return fmt.Sprintf("%s:%d", wi.Address, wi.Port)
}

// ProcessRecord places a named process on an instance.
type ProcessRecord struct {
	ProcessName  string
	InstanceName string
	Definition   string
	Parameter    string
	IsActive     bool
}

// ConnectionKey identifies a directed edge between two endpoints.
type ConnectionKey struct {
	FromProcess  string
	FromEndpoint string
	ToProcess    string
	ToEndpoint   string
}

func (k ConnectionKey) String() string {
	return k.FromProcess + ":" + k.FromEndpoint + ":" + k.ToProcess + ":" + k.ToEndpoint
}

// Store is the directory consumed by workers and clients.
type Store interface {
	RegisterInstance(ctx context.Context, inst WorkerInstance) error
	GetInstance(ctx context.Context, name string) (WorkerInstance, error)

	PutProcessRecord(ctx context.Context, rec ProcessRecord) error
	GetProcessRecord(ctx context.Context, process string) (ProcessRecord, error)
	GetRecordForInstanceProcess(ctx context.Context, instance, process string) (ProcessRecord, error)
	GetAllRecordsForInstance(ctx context.Context, instance string) ([]ProcessRecord, error)
	MarkProcessActive(ctx context.Context, instance, process string) error
	MarkProcessInactive(ctx context.Context, instance, process string) error
	DeleteProcessRecord(ctx context.Context, process string) error

	PutConnection(ctx context.Context, key ConnectionKey) error
	DeleteConnection(ctx context.Context, key ConnectionKey) error
	ConnectionExists(ctx context.Context, key ConnectionKey) (bool, error)
	GetAllConnectionsFrom(ctx context.Context, process string) ([]ConnectionKey, error)
	GetAllConnectionsTo(ctx context.Context, process string) ([]ConnectionKey, error)

	Close() error
}
