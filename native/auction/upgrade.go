package auction

import (
	"fmt"
	"sync"

	"dutchauction/core/events"
	"dutchauction/core/state"
	"dutchauction/storage"
)

// RoleUpgradeAdmin is the state role authorized to repoint the storage area
// at a new code version.
const RoleUpgradeAdmin = "ROLE_UPGRADE_ADMIN"

// Implementation identifies a code version that can be attached to the
// persisted auction state. Layout declares the storage layout the version
// reads and writes; a higher layout may only append fields after the fields
// of every lower layout.
type Implementation interface {
	Tag() string
	Layout() uint32
}

// ImplementationV1 is the initial code version.
type ImplementationV1 struct{}

func (ImplementationV1) Tag() string    { return "v1" }
func (ImplementationV1) Layout() uint32 { return 1 }

// ImplementationV2 appends the upgrade version tag to the stored record and
// adds the UpgradedVersion accessor. Everything else is inherited unchanged.
type ImplementationV2 struct{}

func (ImplementationV2) Tag() string    { return "v2" }
func (ImplementationV2) Layout() uint32 { return 2 }

// Shim separates the auction's code from its persisted state: the same
// storage area can be paired with different code versions over time. The shim
// depends only on the storage layout, never on the engine's transition logic.
type Shim struct {
	mu      *sync.Mutex
	db      storage.Database
	emitter events.Emitter
}

// NewShim creates an upgrade shim over the provided database. When an engine
// mutates the same database, share its guard via SetGuard.
func NewShim(db storage.Database) *Shim {
	return &Shim{mu: new(sync.Mutex), db: db, emitter: events.NoopEmitter{}}
}

// SetGuard shares the mutex serializing mutations of the underlying database.
// Passing nil keeps the current guard.
func (s *Shim) SetGuard(mu *sync.Mutex) {
	if mu == nil {
		return
	}
	s.mu = mu
}

// SetEmitter configures the event emitter used by the shim. Passing nil
// resets the emitter to a no-op implementation.
func (s *Shim) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		s.emitter = events.NoopEmitter{}
		return
	}
	s.emitter = emitter
}

// Upgrade repoints the persisted state at the target code version. Only a
// holder of RoleUpgradeAdmin may upgrade; downgrades and unknown layouts are
// rejected. The inherited fields are left untouched, so every invariant of
// the running auction (status, winner, pending bid) stays readable by the new
// version without re-initialization.
func (s *Shim) Upgrade(caller [20]byte, target Implementation) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("auction: shim not configured")
	}
	if target == nil {
		return fmt.Errorf("auction: target implementation required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ov := storage.NewOverlay(s.db)
	mgr := state.NewManager(ov)
	if !mgr.HasRole(RoleUpgradeAdmin, caller[:]) {
		return ErrUnauthorizedUpgrade
	}
	initialized, err := isInitialized(mgr)
	if err != nil {
		return err
	}
	if !initialized {
		return ErrNotInitialized
	}
	current, _, err := mgr.GetLayoutVersion()
	if err != nil {
		return err
	}
	if target.Layout() < current {
		return fmt.Errorf("auction: layout downgrade from %d to %d not allowed", current, target.Layout())
	}
	if target.Layout() > state.LayoutVersion {
		return fmt.Errorf("%w: target layout %d unknown to this binary", state.ErrLayoutVersionMismatch, target.Layout())
	}
	record, ok, err := getAuction(mgr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInitialized
	}
	fromTag, _, err := implementationTag(mgr)
	if err != nil {
		return err
	}
	if target.Layout() >= (ImplementationV2{}).Layout() {
		record.UpgradedVersion = target.Tag()
	}
	if err := putAuction(mgr, record); err != nil {
		return err
	}
	if err := setImplementationTag(mgr, target.Tag()); err != nil {
		return err
	}
	if err := mgr.SetLayoutVersion(target.Layout()); err != nil {
		return err
	}
	if err := ov.Commit(); err != nil {
		return err
	}
	if s.emitter != nil {
		s.emitter.Emit(auctionEvent{evt: NewUpgradedEvent(record, fromTag, target.Tag())})
	}
	return nil
}

// VersionTag returns the tag of the code version currently attached to the
// storage area.
func (s *Shim) VersionTag() (string, error) {
	tag, ok, err := implementationTag(state.NewManager(s.db))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotInitialized
	}
	return tag, nil
}

// InitialVersion returns the tag of the code version that initialized the
// storage area. It never changes after initialization.
func (s *Shim) InitialVersion() (string, error) {
	record, ok, err := getAuction(state.NewManager(s.db))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotInitialized
	}
	return record.InitialVersion, nil
}

// UpgradedVersion returns the tag written by the layout-2 code version. The
// boolean reports whether an upgrade has run.
func (s *Shim) UpgradedVersion() (string, bool, error) {
	record, ok, err := getAuction(state.NewManager(s.db))
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, ErrNotInitialized
	}
	return record.UpgradedVersion, record.UpgradedVersion != "", nil
}
