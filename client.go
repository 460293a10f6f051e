package weft

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/raskyld/weft/pkg/directory"
	"github.com/raskyld/weft/pkg/transport"
	"github.com/raskyld/weft/pkg/wire"
)

// Client drives a cluster from the outside: it declares processes and
// connections, then asks the workers concerned to act on them.
type Client struct {
	dir              directory.Store
	tr               transport.Transport
	logger           *slog.Logger
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
}

// NewClient accepts the same options as [Create]. Only the directory,
// transport, logging and timeout ones matter.
func NewClient(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if cfg.dir == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, ErrNoDirectory)
	}

	c := &Client{
		dir:              cfg.dir,
		tr:               cfg.tr,
		dialTimeout:      cfg.dialTimeout,
		handshakeTimeout: cfg.handshakeTimeout,
	}
	if c.tr == nil {
		c.tr = transport.NewTCP()
	}
	if cfg.logHandler != nil {
		c.logger = slog.New(cfg.logHandler)
	} else {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "client")
	return c, nil
}

// LoadProcess asks instance to host a new process.
func (c *Client) LoadProcess(ctx context.Context, instance, name, definition, param string) error {
	inst, err := c.dir.GetInstance(ctx, instance)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDirectory, err)
	}

	frame := wire.LoadProcessFrame{
		Name:       name,
		Definition: definition,
		Param:      param,
	}
	code, err := c.exchange(ctx, inst.Addr(), &frame)
	if err != nil {
		return err
	}
	c.logger.Debug("load answered", LabelProcess.L(name), LabelCode.L(code.String()))
	return code.Err()
}

// Connect declares key and asks the worker owning the opening side to
// establish it. The declaration stays even if the worker fails, so the
// connection is picked up again when the worker restarts.
func (c *Client) Connect(ctx context.Context, key directory.ConnectionKey, reverse bool) error {
	if err := c.dir.PutConnection(ctx, key); err != nil {
		return fmt.Errorf("%w: %w", ErrDirectory, err)
	}

	owner, msg := key.FromProcess, wire.ConnectProcessInitiator
	if reverse {
		owner, msg = key.ToProcess, wire.ConnectProcessInitiatorReverse
	}
	rec, err := c.dir.GetProcessRecord(ctx, owner)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDirectory, err)
	}
	if !rec.IsActive {
		return wire.ErrActiveProcessNotFound
	}
	inst, err := c.dir.GetInstance(ctx, rec.InstanceName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDirectory, err)
	}

	frame := wire.ConnectFrame{
		Type:         msg,
		FromProcess:  key.FromProcess,
		FromEndpoint: key.FromEndpoint,
		ToProcess:    key.ToProcess,
		ToEndpoint:   key.ToEndpoint,
	}
	code, err := c.exchange(ctx, inst.Addr(), &frame)
	if err != nil {
		return err
	}
	c.logger.Debug("connect answered", LabelConnection.L(key.String()), LabelCode.L(code.String()))
	return code.Err()
}

// Disconnect removes the declaration of key. Live transfers are left
// alone but will not be re-established once they end.
func (c *Client) Disconnect(ctx context.Context, key directory.ConnectionKey) error {
	if err := c.dir.DeleteConnection(ctx, key); err != nil {
		return fmt.Errorf("%w: %w", ErrDirectory, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.tr.Close()
}

type frameWriter interface {
	WriteTo(w io.Writer) (int64, error)
}

func (c *Client) exchange(ctx context.Context, addr string, frame frameWriter) (wire.ErrorCode, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, err := c.tr.Dial(dialCtx, addr)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.send(conn, frame); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	// Connect requests may wait on the worker dialing a peer.
	if err := conn.SetReadDeadline(time.Now().Add(c.dialTimeout + c.handshakeTimeout)); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	code, err := wire.ReadCode(conn)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return code, nil
}

func (c *Client) send(conn net.Conn, frame frameWriter) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.handshakeTimeout)); err != nil {
		return err
	}
	_, err := frame.WriteTo(conn)
	return err
}
