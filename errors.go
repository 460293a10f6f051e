package weft

import (
	"errors"
)

var (
	ErrInvalidCfg     = errors.New("worker: invalid options")
	ErrNoDirectory    = errors.New("worker: a directory store is required")
	ErrNoLoader       = errors.New("worker: a process loader is required")
	ErrAlreadyStarted = errors.New("worker: already started")
	ErrNotStarted     = errors.New("worker: not started")
	ErrShutdown       = errors.New("worker: shutting down")
	ErrDirectory      = errors.New("worker: directory unavailable")
	ErrJoinCluster    = errors.New("worker: could not join cluster")
	ErrProcessExists  = errors.New("worker: process already loaded on this instance")
	ErrProcessLoad    = errors.New("worker: failed to load process")
	ErrNoGossip       = errors.New("worker: gossip is not enabled")
	ErrHandshake      = errors.New("client: handshake failed")
)

// errRestart cancels a live connection so that it is re-created by the
// retry engine.
var errRestart = errors.New("worker: connection restarted")

// errCompleted releases the context of a pump that ended on its own.
var errCompleted = errors.New("worker: connection completed")

// errPeerClosed cancels an egress whose peer went away while it had
// nothing to write.
var errPeerClosed = errors.New("worker: peer closed the connection")
