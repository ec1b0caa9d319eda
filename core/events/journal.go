package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"dutchauction/core/types"
)

var bucketEvents = []byte("events")

// Journal persists every emitted event in insertion order so operators can
// audit the full history of an auction after the fact. It satisfies the
// Emitter interface; emission failures are recorded on a best-effort basis and
// never block a state transition.
type Journal struct {
	db *bolt.DB
}

// Entry is a journaled event together with its assigned sequence number.
type Entry struct {
	Sequence uint64            `json:"sequence"`
	Type     string            `json:"type"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// Recorded is the subset of events the journal knows how to persist: events
// that expose their canonical payload.
type Recorded interface {
	EventType() string
	Event() *types.Event
}

// OpenJournal opens (or creates) a journal file at the given path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying bolt database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Emit appends the event to the journal. Events that do not expose a canonical
// payload are recorded with their type only.
func (j *Journal) Emit(evt Event) {
	if j == nil || j.db == nil || evt == nil {
		return
	}
	entry := Entry{Type: evt.EventType()}
	if rec, ok := evt.(Recorded); ok {
		if payload := rec.Event(); payload != nil {
			entry.Attrs = payload.Attributes
		}
	}
	_ = j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		entry.Sequence = seq
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(sequenceKey(seq), encoded)
	})
}

// Tail returns up to limit journaled entries, newest last.
func (j *Journal) Tail(limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal: not open")
	}
	if limit <= 0 {
		return []Entry{}, nil
	}
	entries := make([]Entry, 0, limit)
	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		for k, v := cursor.Last(); k != nil && len(entries) < limit; k, v = cursor.Prev() {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// restore insertion order
	for i, jdx := 0, len(entries)-1; i < jdx; i, jdx = i+1, jdx-1 {
		entries[i], entries[jdx] = entries[jdx], entries[i]
	}
	return entries, nil
}

func sequenceKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return key[:]
}
