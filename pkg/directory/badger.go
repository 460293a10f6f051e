package directory

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

var _ Store = (*Badger)(nil)

// updateRetries bounds how many times a conflicting read-modify-write is
// replayed before giving up.
const updateRetries = 32

// BadgerConfig configures a persistent Store.
type BadgerConfig struct {
	// Path of the database directory, ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM, mostly useful in tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// LogHandler receives badger's own logs. Defaults to slog.Default().
	LogHandler slog.Handler
}

// Badger is a Store persisted with BadgerDB.
type Badger struct {
	keyspace
	db *badger.DB
}

func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)

	handler := cfg.LogHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	opts = opts.WithLogger(&badgerLogger{
		logger: slog.New(handler).With("component", "badger"),
	})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("directory: failed to open badger: %w", err)
	}

	return &Badger{
		keyspace: keyspace{kv: &badgerBackend{db: db}},
		db:       db,
	}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

type badgerBackend struct {
	db *badger.DB
}

func (bb *badgerBackend) get(key []byte) (val []byte, err error) {
	err = bb.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, translate(err)
}

func (bb *badgerBackend) set(pairs ...kvPair) error {
	return translate(bb.db.Update(func(txn *badger.Txn) error {
		for _, p := range pairs {
			if err := txn.Set(p.key, p.val); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (bb *badgerBackend) del(keys ...[]byte) error {
	return translate(bb.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (bb *badgerBackend) update(key []byte, fn func(old []byte) ([]byte, error)) error {
	var err error
	for range updateRetries {
		err = bb.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if err != nil {
				return err
			}
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			val, err := fn(old)
			if err != nil {
				return err
			}
			return txn.Set(key, val)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	return translate(err)
}

func (bb *badgerBackend) scan(prefix []byte, fn func(key, val []byte) error) error {
	return translate(bb.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	}))
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, badger.ErrDBClosed):
		return ErrClosed
	default:
		return err
	}
}

// badgerLogger routes badger's printf-style logs into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
