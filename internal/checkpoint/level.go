package checkpoint

import (
	"fmt"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	logs "github.com/danmuck/flowctl/internal/logging"
)

const levelFlowPrefix = "flow:"

// LevelStore keeps checkpoints in leveldb, one key per flow.
type LevelStore struct {
	db     *leveldb.DB
	path   string
	closed atomic.Bool
}

// OpenLevel opens a leveldb checkpoint store. An empty path gives an in-memory database.
func OpenLevel(path string) (*LevelStore, error) {
	if path == "" {
		db, err := leveldb.Open(storage.NewMemStorage(), nil)
		if err != nil {
			return nil, err
		}
		logs.Debugf("checkpoint.OpenLevel memory")
		return &LevelStore{db: db}, nil
	}
	opts := &opt.Options{OpenFilesCacheCapacity: 16}
	db, err := leveldb.OpenFile(path, opts)
	if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
		logs.Warnf("checkpoint.OpenLevel recovering corrupted db path=%q", path)
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %q: %w", path, err)
	}
	logs.Infof("checkpoint.OpenLevel path=%q", path)
	return &LevelStore{db: db, path: path}, nil
}

func flowKey(flowID string) []byte {
	return []byte(levelFlowPrefix + flowID)
}

func (s *LevelStore) Save(r Record) error {
	if r.FlowID == "" {
		return ErrInvalidFlow
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}
	b, err := r.Marshal()
	if err != nil {
		return err
	}
	return s.db.Put(flowKey(r.FlowID), b, nil)
}

func (s *LevelStore) Load(flowID string) (Record, error) {
	if s.closed.Load() {
		return Record{}, ErrStoreClosed
	}
	b, err := s.db.Get(flowKey(flowID), nil)
	if err == leveldb.ErrNotFound {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, flowID)
	}
	if err != nil {
		return Record{}, err
	}
	return Unmarshal(b)
}

func (s *LevelStore) Delete(flowID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.db.Delete(flowKey(flowID), nil)
}

func (s *LevelStore) List() ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelFlowPrefix)), nil)
	defer it.Release()

	out := make([]Record, 0)
	for it.Next() {
		r, err := Unmarshal(it.Value())
		if err != nil {
			return nil, fmt.Errorf("%w: key=%q", err, string(it.Key()))
		}
		out = append(out, r)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (s *LevelStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
