// Package weft keeps the connections of a distributed dataflow alive.
//
// A cluster is made of `Worker`s hosting named processes. Processes expose
// output and input endpoints, and a shared directory declares which output
// must feed which input. Each worker makes sure the declared connections it
// is responsible for are running, whatever happens to the network or to its
// peers.
//
// ## How it works
//
// When both endpoints of a connection live in the same worker and agree to
// it, they are *fused*: data moves in memory without being encoded.
// Otherwise the worker hosting one side dials the worker hosting the other
// one, a small binary handshake is exchanged (see `pkg/wire`) and data is
// streamed over the socket. Connections are *forward* when opened from the
// output side and *reverse* when opened from the input side.
//
// Every live connection is registered once per worker side. A transfer that
// breaks is handed to a retry loop which keeps trying, at a fixed interval,
// for as long as the directory still declares the connection. A transfer
// whose producer finished removes the declaration instead.
//
// When a worker restarts, it reloads the processes the directory places on
// it and reconciles every connection touching them. Peers still holding a
// stale half of a connection answer `ServerRecovering` until asked to drop
// it.
//
// ## Design Principles
//
// The directory is the only source of truth and nothing is transactional
// across calls: every decision is re-checked against live state before it
// is acted upon, and losing a race is a normal, retried, outcome.
//
// Transports are pluggable. TCP is the default, QUIC is available for
// mTLS-secured clusters. An optional memberlist gossip layer shortens the
// time it takes for retries to notice a peer coming back.
package weft
