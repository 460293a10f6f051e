package directory

import (
	"context"
	"errors"
)

// Key layout shared by every backend:
//
//	i/<instance>                         instance record
//	p/<process>                          process record
//	c/f/<from>\x00<fromEp>\x00<to>\x00<toEp>  connection, by source
//	c/t/<to>\x00<toEp>\x00<from>\x00<fromEp>  connection, by destination
const (
	prefixInstance = "i/"
	prefixProcess  = "p/"
	prefixConnFrom = "c/f/"
	prefixConnTo   = "c/t/"
	sep            = "\x00"
)

// backend is the minimal ordered key/value surface a Store needs.
type backend interface {
	get(key []byte) ([]byte, error)
	set(pairs ...kvPair) error
	del(keys ...[]byte) error
	scan(prefix []byte, fn func(key, val []byte) error) error
	// update atomically replaces the value at key with fn(old).
	update(key []byte, fn func(old []byte) ([]byte, error)) error
}

type kvPair struct {
	key, val []byte
}

// keyspace implements Store on top of a backend.
type keyspace struct {
	kv backend
}

func instanceKey(name string) []byte { return []byte(prefixInstance + name) }
func processKey(name string) []byte  { return []byte(prefixProcess + name) }

func connFromKey(k ConnectionKey) []byte {
	return []byte(prefixConnFrom + k.FromProcess + sep + k.FromEndpoint + sep + k.ToProcess + sep + k.ToEndpoint)
}

func connToKey(k ConnectionKey) []byte {
	return []byte(prefixConnTo + k.ToProcess + sep + k.ToEndpoint + sep + k.FromProcess + sep + k.FromEndpoint)
}

func (ks *keyspace) RegisterInstance(ctx context.Context, inst WorkerInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ks.kv.set(kvPair{instanceKey(inst.Name), encodeInstance(inst)})
}

func (ks *keyspace) GetInstance(ctx context.Context, name string) (WorkerInstance, error) {
	if err := ctx.Err(); err != nil {
		return WorkerInstance{}, err
	}
	raw, err := ks.kv.get(instanceKey(name))
	if err != nil {
		return WorkerInstance{}, err
	}
	return decodeInstance(raw)
}

func (ks *keyspace) PutProcessRecord(ctx context.Context, rec ProcessRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ks.kv.set(kvPair{processKey(rec.ProcessName), encodeProcess(rec)})
}

func (ks *keyspace) GetProcessRecord(ctx context.Context, process string) (ProcessRecord, error) {
	if err := ctx.Err(); err != nil {
		return ProcessRecord{}, err
	}
	raw, err := ks.kv.get(processKey(process))
	if err != nil {
		return ProcessRecord{}, err
	}
	return decodeProcess(raw)
}

func (ks *keyspace) GetRecordForInstanceProcess(ctx context.Context, instance, process string) (ProcessRecord, error) {
	rec, err := ks.GetProcessRecord(ctx, process)
	if err != nil {
		return ProcessRecord{}, err
	}
	if rec.InstanceName != instance {
		return ProcessRecord{}, ErrNotFound
	}
	return rec, nil
}

func (ks *keyspace) GetAllRecordsForInstance(ctx context.Context, instance string) ([]ProcessRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []ProcessRecord
	err := ks.kv.scan([]byte(prefixProcess), func(_, val []byte) error {
		rec, err := decodeProcess(val)
		if err != nil {
			return err
		}
		if rec.InstanceName == instance {
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

func (ks *keyspace) MarkProcessActive(ctx context.Context, instance, process string) error {
	return ks.setActive(ctx, instance, process, true)
}

func (ks *keyspace) MarkProcessInactive(ctx context.Context, instance, process string) error {
	return ks.setActive(ctx, instance, process, false)
}

func (ks *keyspace) setActive(ctx context.Context, instance, process string, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ks.kv.update(processKey(process), func(old []byte) ([]byte, error) {
		rec, err := decodeProcess(old)
		if err != nil {
			return nil, err
		}
		if rec.InstanceName != instance {
			return nil, ErrNotFound
		}
		rec.IsActive = active
		return encodeProcess(rec), nil
	})
}

func (ks *keyspace) DeleteProcessRecord(ctx context.Context, process string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ks.kv.del(processKey(process))
}

func (ks *keyspace) PutConnection(ctx context.Context, key ConnectionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val := encodeConnection(key)
	return ks.kv.set(
		kvPair{connFromKey(key), val},
		kvPair{connToKey(key), val},
	)
}

func (ks *keyspace) DeleteConnection(ctx context.Context, key ConnectionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ks.kv.del(connFromKey(key), connToKey(key))
}

func (ks *keyspace) ConnectionExists(ctx context.Context, key ConnectionKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := ks.kv.get(connFromKey(key))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (ks *keyspace) GetAllConnectionsFrom(ctx context.Context, process string) ([]ConnectionKey, error) {
	return ks.connections(ctx, prefixConnFrom+process+sep)
}

func (ks *keyspace) GetAllConnectionsTo(ctx context.Context, process string) ([]ConnectionKey, error) {
	return ks.connections(ctx, prefixConnTo+process+sep)
}

func (ks *keyspace) connections(ctx context.Context, prefix string) ([]ConnectionKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []ConnectionKey
	err := ks.kv.scan([]byte(prefix), func(_, val []byte) error {
		key, err := decodeConnection(val)
		if err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	return keys, err
}
