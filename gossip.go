package weft

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/hashicorp/memberlist"
)

// gossip wakes up sleeping retries whenever a peer shows up, since it
// is likely to host processes our connections wait for.
type gossip struct {
	logger *slog.Logger
	w      *Worker
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined cluster")
	if node.Name == g.w.config.instanceName {
		return
	}
	g.w.msink.IncrCounterWithLabels(MetricWeftGossipJoinCount, 1.0, g.w.labels())
	g.w.nudgeRetries()
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer left cluster")
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer updated")
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}

func (w *Worker) startGossip() error {
	cfg := w.config.mlCfg
	cfg.Name = w.config.instanceName
	cfg.Events = &gossip{logger: w.logger.With("component", "gossip"), w: w}
	if w.config.logHandler != nil {
		cfg.Logger = slog.NewLogLogger(w.config.logHandler, slog.LevelDebug)
	} else {
		cfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	w.ml = ml

	if len(w.config.neighbours) > 0 {
		return w.JoinCluster(w.config.neighbours...)
	}
	return nil
}

// JoinCluster contacts gossip peers. Joining nudges pending retries on
// both ends.
func (w *Worker) JoinCluster(neighbours ...string) error {
	w.lk.Lock()
	defer w.lk.Unlock()
	if w.shutdown {
		return ErrShutdown
	}
	if w.ml == nil {
		return ErrNoGossip
	}
	joined, err := w.ml.Join(neighbours)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	w.logger.Info("cluster joined")
	if len(neighbours) != joined {
		w.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	}
	return nil
}

// GossipAddr is the address other workers may join us on.
func (w *Worker) GossipAddr() (string, error) {
	if w.ml == nil {
		return "", ErrNoGossip
	}
	node := w.ml.LocalNode()
	return net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port))), nil
}

// Members lists the names of the gossip peers currently alive.
func (w *Worker) Members() []string {
	if w.ml == nil {
		return nil
	}
	members := w.ml.Members()
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Name)
	}
	return names
}
