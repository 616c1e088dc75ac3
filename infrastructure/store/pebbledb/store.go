package pebbledb

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/pkg/errors"
)

const (
	lastProcessedBlockKey = "lpb"
	skippedLogsKey        = "skipped"
	jobKeyPrefix          = 0x01
)

type Store struct {
	db *pebble.DB
	mu sync.Mutex // serializes read-modify-write sequences
}

func NewProcessorStore(storeDir, name string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(storeDir, name), &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "opening pebble db")
	}

	return &Store{db: db}, nil
}

// SetLastProcessedBlock stores the checkpoint. Moving it backwards fails with entities.ErrCheckpointRegression.
func (ps *Store) SetLastProcessedBlock(block uint64) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	current, err := ps.getLastProcessedBlock()
	if err != nil && !errors.Is(err, entities.ErrStoreEntityNotFound) {
		return err
	}
	if err == nil && block < current {
		return errors.Wrapf(entities.ErrCheckpointRegression, "current [%d], new [%d]", current, block)
	}
	return ps.setLastProcessedBlock(block)
}

// ForceLastProcessedBlock overrides the checkpoint in any direction. Operator use only.
func (ps *Store) ForceLastProcessedBlock(block uint64) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.setLastProcessedBlock(block)
}

func (ps *Store) GetLastProcessedBlock() (uint64, error) {
	return ps.getLastProcessedBlock()
}

func (ps *Store) setLastProcessedBlock(block uint64) error {
	value := binary.BigEndian.AppendUint64(nil, block)
	err := ps.db.Set([]byte(lastProcessedBlockKey), value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting key [%s] to [%d]", lastProcessedBlockKey, block)
	}
	return nil
}

func (ps *Store) getLastProcessedBlock() (uint64, error) {
	value, closer, err := ps.db.Get([]byte(lastProcessedBlockKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return 0, errors.Wrapf(err, "getting value for key [%s]", lastProcessedBlockKey)
	}
	defer closer.Close()

	if len(value) != 8 {
		return 0, errors.Errorf("invalid checkpoint value length [%d]", len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

// AddSkippedLog remembers a log that matched but could not be decoded.
func (ps *Store) AddSkippedLog(ref string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	skipped, err := ps.loadSkippedLogsSet()
	if err != nil {
		return errors.Wrap(err, "getting skipped logs")
	}
	skipped[ref] = true
	return ps.saveSkippedLogsSet(skipped)
}

func (ps *Store) GetSkippedLogs() ([]string, error) {
	skipped, err := ps.loadSkippedLogsSet()
	if err != nil {
		return nil, errors.Wrap(err, "getting skipped logs")
	}
	refs := make([]string, 0, len(skipped)) // empty array is default return value
	for ref, val := range skipped {
		if val {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs, nil
}

func (ps *Store) saveSkippedLogsSet(set map[string]bool) error {
	buffer := new(bytes.Buffer)
	if err := gob.NewEncoder(buffer).Encode(set); err != nil {
		return errors.Wrap(err, "encoding set")
	}
	err := ps.db.Set([]byte(skippedLogsKey), buffer.Bytes(), pebble.Sync)
	if err != nil {
		return errors.Wrap(err, "saving set")
	}
	return nil
}

func (ps *Store) loadSkippedLogsSet() (map[string]bool, error) {
	value, closer, err := ps.db.Get([]byte(skippedLogsKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return make(map[string]bool), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading set")
	}
	defer closer.Close()

	var set map[string]bool
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&set); err != nil {
		return nil, errors.Wrap(err, "decoding set")
	}
	return set, nil
}

func jobKey(id string) []byte {
	return append([]byte{jobKeyPrefix}, []byte(id)...)
}

func (ps *Store) SetJob(record entities.JobRecord) error {
	if record.ID == "" {
		return errors.New("job record without id")
	}
	value, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "marshalling job record")
	}
	err = ps.db.Set(jobKey(record.ID), value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "storing job [%s]", record.ID)
	}
	return nil
}

func (ps *Store) GetJob(id string) (*entities.JobRecord, error) {
	value, closer, err := ps.db.Get(jobKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting job [%s]", id)
	}
	defer closer.Close()

	var record entities.JobRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling job [%s]", id)
	}
	return &record, nil
}

// ListJobs returns the ledger entries, optionally filtered by state. An empty state matches all.
func (ps *Store) ListJobs(state entities.JobState) ([]entities.JobRecord, error) {
	iter, err := ps.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{jobKeyPrefix},
		UpperBound: []byte{jobKeyPrefix + 1},
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	records := make([]entities.JobRecord, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrap(err, "getting value from iter")
		}
		var record entities.JobRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return nil, errors.Wrapf(err, "unmarshalling job [%s]", string(iter.Key()[1:]))
		}
		if state == "" || record.State == state {
			records = append(records, record)
		}
	}
	return records, nil
}

func (ps *Store) Close() error {
	return ps.db.Close()
}
