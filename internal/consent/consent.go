// Package consent tracks the per-engagement capture consent lifecycle and
// gates every capture subsystem on it. Records are persisted sealed
// (encrypted, HMAC-signed); any verification failure on load resolves to
// NeverConsented, never to "capture anyway".
package consent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/proth1/kmflow-sub006/internal/seal"
	"github.com/proth1/kmflow-sub006/internal/secretstore"
)

// State is the consent lifecycle position.
type State string

const (
	StateNeverConsented State = "never_consented"
	StateConsented      State = "consented"
	StateRevoked        State = "revoked"
)

// Scope is the granted capture granularity.
type Scope string

const (
	ScopeActionLevel  Scope = "action_level"
	ScopeContentLevel Scope = "content_level"
	ScopeNone         Scope = "none"
)

// PolicyVersion is the consent policy version this build requires. A stored
// record with an older version forces re-consent: the user agreed to a
// different policy than the one now in force.
const PolicyVersion = 2

var (
	// ErrNotInitialized is returned when GrantConsent or RevokeConsent is
	// called before Initialize. That ordering is a programming error in
	// the caller, not a runtime condition to absorb.
	ErrNotInitialized = errors.New("consent: machine not initialized")

	// ErrRevoked is returned when consent is granted after revocation.
	// Revocation is terminal for an engagement; a new engagement record
	// is the only path back to capture.
	ErrRevoked = errors.New("consent: engagement consent was revoked")
)

// Record is the persisted consent state for one engagement. Records are
// never hard-deleted; a revoked record stays observable.
type Record struct {
	EngagementID string     `json:"engagement_id"`
	State        State      `json:"state"`
	CaptureScope Scope      `json:"capture_scope"`
	ConsentedAt  *time.Time `json:"consented_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	Version      int        `json:"version"`
}

// Machine owns the consent record exclusively. Other components observe
// CurrentState and CaptureAllowed only.
type Machine struct {
	mu     sync.Mutex
	sealer *seal.Sealer
	store  secretstore.Store
	log    *slog.Logger

	rec *Record // nil until Initialize

	onGranted func(Scope)
	onRevoked func()

	now func() time.Time
}

// NewMachine creates a consent machine persisting through store, sealed
// with sealer.
func NewMachine(store secretstore.Store, sealer *seal.Sealer, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{store: store, sealer: sealer, log: log, now: time.Now}
}

// OnConsentGranted registers the callback fired after a grant has been
// persisted. It starts the capture subsystems.
func (m *Machine) OnConsentGranted(fn func(Scope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onGranted = fn
}

// OnConsentRevoked registers the callback fired after a revocation has been
// persisted. It stops the capture subsystems.
func (m *Machine) OnConsentRevoked(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRevoked = fn
}

func (m *Machine) storageKey(engagementID string) string {
	return "consent/" + engagementID
}

// Initialize loads the persisted record for the engagement, creating a fresh
// NeverConsented record when none exists. Load, decrypt, or signature
// failures and stale policy versions all resolve to NeverConsented.
func (m *Machine) Initialize(engagementID string) error {
	if engagementID == "" {
		return fmt.Errorf("consent: engagement id is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load(engagementID)
	switch {
	case err == nil && rec.Version >= PolicyVersion:
		m.rec = rec
		m.log.Info("consent record loaded",
			"engagement_id", engagementID, "state", rec.State)
		return nil
	case err == nil:
		// Valid record, stale policy: deliberate re-consent trigger.
		m.log.Warn("consent policy version stale, forcing re-consent",
			"engagement_id", engagementID,
			"stored_version", rec.Version, "required_version", PolicyVersion)
	case errors.Is(err, secretstore.ErrNotFound):
		m.log.Info("no consent record, starting never-consented",
			"engagement_id", engagementID)
	default:
		// Tampered, undecryptable, or unreadable: fail closed.
		m.log.Warn("consent record unusable, treating as never-consented",
			"engagement_id", engagementID, "error", err)
	}

	fresh := &Record{
		EngagementID: engagementID,
		State:        StateNeverConsented,
		CaptureScope: ScopeNone,
		Version:      PolicyVersion,
	}
	if err := m.persist(fresh); err != nil {
		return fmt.Errorf("persist initial consent record: %w", err)
	}
	m.rec = fresh
	return nil
}

// GrantConsent transitions NeverConsented -> Consented with the given scope.
// Idempotent when already Consented: no state change, no duplicate callback.
// The record is persisted before the granted callback fires; a persistence
// failure aborts the transition entirely.
func (m *Machine) GrantConsent(scope Scope) error {
	m.mu.Lock()
	if m.rec == nil {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	switch m.rec.State {
	case StateConsented:
		m.mu.Unlock()
		return nil
	case StateRevoked:
		m.mu.Unlock()
		return ErrRevoked
	}

	updated := *m.rec
	updated.State = StateConsented
	updated.CaptureScope = scope
	ts := m.now().UTC()
	updated.ConsentedAt = &ts

	if err := m.persist(&updated); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("persist consent grant: %w", err)
	}
	m.rec = &updated
	cb := m.onGranted
	m.mu.Unlock()

	m.log.Info("consent granted",
		"engagement_id", updated.EngagementID, "scope", scope)
	if cb != nil {
		cb(scope)
	}
	return nil
}

// RevokeConsent transitions Consented -> Revoked. A no-op from
// NeverConsented. Persisted before the revoked callback fires.
func (m *Machine) RevokeConsent() error {
	m.mu.Lock()
	if m.rec == nil {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if m.rec.State != StateConsented {
		m.mu.Unlock()
		return nil
	}

	updated := *m.rec
	updated.State = StateRevoked
	ts := m.now().UTC()
	updated.RevokedAt = &ts

	if err := m.persist(&updated); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("persist consent revocation: %w", err)
	}
	m.rec = &updated
	cb := m.onRevoked
	m.mu.Unlock()

	m.log.Info("consent revoked", "engagement_id", updated.EngagementID)
	if cb != nil {
		cb()
	}
	return nil
}

// CurrentState returns the lifecycle state, or NeverConsented before
// Initialize.
func (m *Machine) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return StateNeverConsented
	}
	return m.rec.State
}

// CaptureScope returns the granted scope, or ScopeNone.
func (m *Machine) CaptureScope() Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil || m.rec.State != StateConsented {
		return ScopeNone
	}
	return m.rec.CaptureScope
}

// CaptureAllowed reports whether capture may run at all.
func (m *Machine) CaptureAllowed() bool {
	return m.CurrentState() == StateConsented
}

func (m *Machine) persist(rec *Record) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	blob, err := m.sealer.Seal(plain)
	if err != nil {
		return fmt.Errorf("seal record: %w", err)
	}
	return m.store.Save(m.storageKey(rec.EngagementID), blob)
}

func (m *Machine) load(engagementID string) (*Record, error) {
	blob, err := m.store.Load(m.storageKey(engagementID))
	if err != nil {
		return nil, err
	}
	plain, err := m.sealer.Open(blob)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	if rec.EngagementID != engagementID {
		return nil, fmt.Errorf("record engagement mismatch: %q", rec.EngagementID)
	}
	return &rec, nil
}
