package store

import (
	"bytes"
	"context"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	v:<version>                 -> gob(versionRecord)
//	e:<version>\x00<identity>   -> gob(Entry)
type levelBackend struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) a durable store in dir.
func OpenLevelDB(dir string, opts Options) (*Manager, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return newManager(&levelBackend{db: db}, opts)
}

// OpenMemory opens a non-durable store backed by an in-memory LevelDB.
func OpenMemory(opts Options) (*Manager, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newManager(&levelBackend{db: db}, opts)
}

func versionKey(version string) []byte {
	return []byte("v:" + version)
}

func entryPrefix(version string) []byte {
	return []byte("e:" + version + "\x00")
}

func entryKey(version, key string) []byte {
	return append(entryPrefix(version), key...)
}

func (l *levelBackend) addVersion(_ context.Context, rec versionRecord) error {
	ok, err := l.db.Has(versionKey(rec.Name), nil)
	if err != nil || ok {
		return err
	}
	b, err := encodeGob(rec)
	if err != nil {
		return err
	}
	return l.db.Put(versionKey(rec.Name), b, nil)
}

func (l *levelBackend) markInstalled(_ context.Context, version string) error {
	b, err := l.db.Get(versionKey(version), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrUnknownVersion
	}
	if err != nil {
		return err
	}
	var rec versionRecord
	if err := decodeGob(b, &rec); err != nil {
		return err
	}
	rec.Installed = true
	if b, err = encodeGob(rec); err != nil {
		return err
	}
	return l.db.Put(versionKey(version), b, nil)
}

func (l *levelBackend) hasVersion(_ context.Context, version string) (bool, error) {
	return l.db.Has(versionKey(version), nil)
}

func (l *levelBackend) versions(_ context.Context) ([]versionRecord, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte("v:")), nil)
	defer it.Release()

	var out []versionRecord
	for it.Next() {
		var rec versionRecord
		if err := decodeGob(it.Value(), &rec); err != nil {
			// unreadable record: still report the name so it can be collected
			rec = versionRecord{Name: string(bytes.TrimPrefix(it.Key(), []byte("v:")))}
		}
		out = append(out, rec)
	}
	return out, it.Error()
}

func (l *levelBackend) get(_ context.Context, version, key string) ([]byte, bool, error) {
	b, err := l.db.Get(entryKey(version, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (l *levelBackend) put(_ context.Context, version, key string, b []byte) error {
	return l.db.Put(entryKey(version, key), b, nil)
}

func (l *levelBackend) keys(_ context.Context, version string) ([]string, error) {
	prefix := entryPrefix(version)
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

func (l *levelBackend) dropVersion(_ context.Context, version string) error {
	it := l.db.NewIterator(util.BytesPrefix(entryPrefix(version)), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete(versionKey(version))
	return l.db.Write(batch, nil)
}

func (l *levelBackend) orphans(_ context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte("e:")), nil)
	defer it.Release()

	var out []string
	for ok := it.First(); ok; {
		rest := bytes.TrimPrefix(it.Key(), []byte("e:"))
		i := bytes.IndexByte(rest, 0)
		if i < 0 {
			ok = it.Next()
			continue
		}
		version := string(rest[:i])
		has, err := l.db.Has(versionKey(version), nil)
		if err != nil {
			return nil, err
		}
		if !has {
			out = append(out, version)
		}
		// "\x01" sorts after every "<version>\x00<identity>" key
		ok = it.Seek([]byte("e:" + version + "\x01"))
	}
	return out, it.Error()
}

func (l *levelBackend) close() error {
	return l.db.Close()
}
