package storage

import "sync"

// Overlay stages writes on top of a base database. Reads fall through to the
// base for keys the overlay has not touched. Nothing reaches the base until
// Commit; Discard drops every staged write. This is the commit boundary that
// gives a state transition its all-or-nothing semantics.
type Overlay struct {
	mu     sync.Mutex
	base   Database
	staged map[string][]byte
}

// NewOverlay creates an overlay over the provided base database.
func NewOverlay(base Database) *Overlay {
	return &Overlay{
		base:   base,
		staged: make(map[string][]byte),
	}
}

// Put stages a write without touching the base database.
func (o *Overlay) Put(key []byte, value []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.staged[string(key)] = append([]byte(nil), value...)
	return nil
}

// Get returns a staged value when present and otherwise reads the base.
func (o *Overlay) Get(key []byte) ([]byte, error) {
	o.mu.Lock()
	value, ok := o.staged[string(key)]
	o.mu.Unlock()
	if ok {
		return append([]byte(nil), value...), nil
	}
	return o.base.Get(key)
}

// Commit flushes every staged write to the base database and clears the
// overlay. A failed flush leaves the remaining staged writes in place so the
// caller can surface the error; partially flushed state is only possible when
// the base itself fails mid-write.
func (o *Overlay) Commit() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, value := range o.staged {
		if err := o.base.Put([]byte(key), value); err != nil {
			return err
		}
	}
	o.staged = make(map[string][]byte)
	return nil
}

// Discard drops all staged writes.
func (o *Overlay) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.staged = make(map[string][]byte)
}

// Close satisfies the Database interface. The base remains open; the overlay
// owns no resources of its own.
func (o *Overlay) Close() {}
