// Package logstore implements Component A's persisted log: a
// bbolt-backed store for replicated log entries, the term/candidate
// vote a node has cast, and the highest committed and purged log ids.
// Bucket layout mirrors SPEC_FULL.md §6's Persisted State Layout:
// logs/{index as big-endian u64} -> gob-encoded LogEntry, vote/vote ->
// gob-encoded Vote, state/committed and state/last_purged -> gob-encoded
// LogID.
package logstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/scribeerr"
)

var (
	bucketLogs  = []byte("logs")
	bucketVote  = []byte("vote")
	bucketState = []byte("state")
)

var (
	keyVote       = []byte("vote")
	keyCommitted  = []byte("committed")
	keyLastPurged = []byte("last_purged")
)

// LogState summarizes the boundaries of a node's persisted log: the
// highest entry id present (if any) and the highest id ever purged.
type LogState struct {
	LastLogID       *ledgertypes.LogID
	LastPurgedLogID *ledgertypes.LogID
}

// Store is the bbolt-backed persisted log for one node.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the log store's database file under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "scribe-log.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, scribeerr.NewStorageFailure("opening log store", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLogs, bucketVote, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, scribeerr.NewStorageFailure("initializing log store buckets", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func logKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, scribeerr.NewSerializationError("encoding log store value", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return scribeerr.NewSerializationError("decoding log store value", err)
	}
	return nil
}

// GetLogState reports the current boundaries of the persisted log.
func (s *Store) GetLogState() (LogState, error) {
	var state LogState
	err := s.db.View(func(tx *bolt.Tx) error {
		st := tx.Bucket(bucketState)
		if v := st.Get(keyLastPurged); v != nil {
			var id ledgertypes.LogID
			if err := decode(v, &id); err != nil {
				return err
			}
			state.LastPurgedLogID = &id
		}

		logs := tx.Bucket(bucketLogs)
		c := logs.Cursor()
		k, v := c.Last()
		if k == nil {
			state.LastLogID = state.LastPurgedLogID
			return nil
		}
		var entry ledgertypes.LogEntry
		if err := decode(v, &entry); err != nil {
			return err
		}
		id := entry.LogID
		state.LastLogID = &id
		return nil
	})
	return state, err
}

// SaveVote persists the vote a node has cast, flushing it before
// returning so a crash cannot lose a ballot already promised.
func (s *Store) SaveVote(vote ledgertypes.Vote) error {
	data, err := encode(vote)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVote).Put(keyVote, data)
	})
}

// ReadVote returns the last saved vote, if any.
func (s *Store) ReadVote() (*ledgertypes.Vote, error) {
	var vote *ledgertypes.Vote
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketVote).Get(keyVote)
		if v == nil {
			return nil
		}
		var decoded ledgertypes.Vote
		if err := decode(v, &decoded); err != nil {
			return err
		}
		vote = &decoded
		return nil
	})
	return vote, err
}

// SaveCommitted persists the highest committed log id, or clears it
// when committed is nil.
func (s *Store) SaveCommitted(committed *ledgertypes.LogID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		st := tx.Bucket(bucketState)
		if committed == nil {
			return st.Delete(keyCommitted)
		}
		data, err := encode(*committed)
		if err != nil {
			return err
		}
		return st.Put(keyCommitted, data)
	})
}

// ReadCommitted returns the last saved committed log id, if any.
func (s *Store) ReadCommitted() (*ledgertypes.LogID, error) {
	var id *ledgertypes.LogID
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketState).Get(keyCommitted)
		if v == nil {
			return nil
		}
		var decoded ledgertypes.LogID
		if err := decode(v, &decoded); err != nil {
			return err
		}
		id = &decoded
		return nil
	})
	return id, err
}

// GetLogEntries returns entries with index in [start, end), stopping
// early (without error) at the first missing index.
func (s *Store) GetLogEntries(start, end uint64) ([]ledgertypes.LogEntry, error) {
	var entries []ledgertypes.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketLogs)
		for index := start; index < end; index++ {
			v := logs.Get(logKey(index))
			if v == nil {
				break
			}
			var entry ledgertypes.LogEntry
			if err := decode(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// Append persists entries, keyed by their log index, in a single
// transaction.
func (s *Store) Append(entries []ledgertypes.LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketLogs)
		for _, entry := range entries {
			data, err := encode(entry)
			if err != nil {
				return err
			}
			if err := logs.Put(logKey(entry.LogID.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Truncate removes every log entry from index onwards, used when a
// follower's log diverges from its leader's.
func (s *Store) Truncate(index uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketLogs)
		c := logs.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(logKey(index)); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := logs.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Purge removes every log entry up to and including index, recording
// it as the new last-purged log id so GetLogState can report it after
// the entries it describes are gone.
func (s *Store) Purge(id ledgertypes.LogID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketLogs)
		c := logs.Cursor()
		var keys [][]byte
		for k, _ := c.First(); k != nil && bytes.Compare(k, logKey(id.Index)) <= 0; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := logs.Delete(k); err != nil {
				return err
			}
		}

		data, err := encode(id)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketState).Put(keyLastPurged, data)
	})
}
