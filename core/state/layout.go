package state

import (
	"errors"
	"fmt"
	"math"
)

// LayoutVersion identifies the expected storage layout for the persisted
// auction state. Increment this constant whenever fields are appended to a
// stored structure. Layout upgrades may only ever append fields after the
// existing ones; reordering, retyping or removing a field would misread every
// auction ever persisted. Version 2 appends the upgrade version tag.
const LayoutVersion uint32 = 2

var (
	layoutVersionKey = []byte("auction/layout")
	// ErrLayoutVersionMismatch indicates the stored layout version is newer
	// than the version supported by the current binary.
	ErrLayoutVersionMismatch = errors.New("state: layout version mismatch")
)

// SetLayoutVersion records the provided layout version in state. Callers
// should invoke this after initialization and after a code upgrade.
func (m *Manager) SetLayoutVersion(version uint32) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	return m.KVPut(layoutVersionKey, uint64(version))
}

// GetLayoutVersion returns the stored layout version and a boolean indicating
// whether the value was present.
func (m *Manager) GetLayoutVersion() (uint32, bool, error) {
	if m == nil {
		return 0, false, fmt.Errorf("state: manager unavailable")
	}
	var stored uint64
	ok, err := m.KVGet(layoutVersionKey, &stored)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	if stored > uint64(math.MaxUint32) {
		return 0, false, fmt.Errorf("state: layout version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

// EnsureLayoutVersion verifies that the persisted layout is readable by this
// binary. Older layouts are accepted because upgrades only append fields; a
// newer layout than the binary understands is rejected.
func EnsureLayoutVersion(m *Manager) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	version, ok, err := m.GetLayoutVersion()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if version > LayoutVersion {
		return fmt.Errorf("%w: on-disk=%d supported=%d", ErrLayoutVersionMismatch, version, LayoutVersion)
	}
	return nil
}
