// Package vce is the visual capture engine: screenshot triggering under
// strict rate limits, screen-state classification, and guaranteed frame
// disposal. Frames exist in memory only long enough to classify and hand a
// sealed copy downstream; raw pixels never outlive the trigger call.
package vce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/proth1/kmflow-sub006/internal/metrics"
)

// Limits are the capture rate bounds. Checks run in this order; the first
// violated limit suppresses the capture.
type Limits struct {
	SameAppCooldown time.Duration
	AnyCooldown     time.Duration
	HourlyCap       int
	DailyCap        int
}

// DefaultLimits returns the production rate bounds.
func DefaultLimits() Limits {
	return Limits{
		SameAppCooldown: 120 * time.Second,
		AnyCooldown:     30 * time.Second,
		HourlyCap:       12,
		DailyCap:        60,
	}
}

// Suppression reasons, reported so operators can tell a quiet hour from a
// rate-limited one.
var (
	ErrDisabled        = errors.New("vce: capture disabled")
	ErrSameAppCooldown = errors.New("vce: same-app cooldown active")
	ErrAnyCooldown     = errors.New("vce: capture cooldown active")
	ErrHourlyCap       = errors.New("vce: hourly cap reached")
	ErrDailyCap        = errors.New("vce: daily cap reached")
)

// Trigger reasons, carried through to the capture event.
const (
	TriggerAppSwitch = "app_switch"
	TriggerInterval  = "interval"
)

// CaptureContext describes the moment a trigger fired.
type CaptureContext struct {
	AppID       string
	WindowTitle string

	// Dwell is how long the application had been in the foreground when
	// the trigger fired.
	Dwell time.Duration

	// Reason names the trigger path, TriggerAppSwitch or TriggerInterval.
	Reason string

	// Input activity in the window leading up to the trigger, used by the
	// screen-state heuristics when the title is uninformative.
	RecentKeystrokes int
	RecentClicks     int
	RecentScrolls    int
}

// FrameGrabber captures the current screen contents. The returned buffer is
// owned by the caller, which zeroes it before returning.
type FrameGrabber interface {
	Grab(ctx context.Context) ([]byte, error)
}

// Capture is the result of a successful trigger: the classification and the
// processed artifact derived from the frame. The raw frame itself is already
// zeroed by the time EvaluateTrigger returns.
type Capture struct {
	AppID          string
	Reason         string
	Classification Classification
	TakenAt        time.Time
	// Artifact is the downstream payload built from the frame while it was
	// alive, typically a sealed thumbnail or feature summary.
	Artifact []byte
}

// Sink receives completed captures.
type Sink func(Capture)

// Manager enforces the rate limits and owns the frame lifecycle.
type Manager struct {
	grabber FrameGrabber
	process func(frame []byte, cc CaptureContext) ([]byte, error)
	sink    Sink
	limits  Limits
	log     *slog.Logger
	metrics *metrics.Collector

	mu          sync.Mutex
	enabled     bool
	lastAny     time.Time
	lastByApp   map[string]time.Time
	hourlyTimes []time.Time
	dailyTimes  []time.Time

	now func() time.Time
}

// NewManager builds a manager. process transforms a live frame into the
// artifact that outlives it; nil process discards pixels and keeps only the
// classification. The manager starts disabled and is enabled on consent.
func NewManager(grabber FrameGrabber, process func([]byte, CaptureContext) ([]byte, error), sink Sink, limits Limits, m *metrics.Collector, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		grabber:   grabber,
		process:   process,
		sink:      sink,
		limits:    limits,
		log:       log,
		metrics:   m,
		lastByApp: make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetEnabled toggles capture. Disabling never loses rate-limit history, so
// a revoke-regrant cycle cannot be used to bypass cooldowns.
func (m *Manager) SetEnabled(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = on
}

// EvaluateTrigger runs the rate-limit gauntlet for a capture opportunity.
// On pass, the capture slot is recorded immediately so concurrent triggers
// cannot double-spend it, and the screenshot is taken outside the lock. The
// raw frame is zeroed before return on every path, including errors.
func (m *Manager) EvaluateTrigger(ctx context.Context, cc CaptureContext) (*Capture, error) {
	now := m.now()

	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		m.metrics.IncVCESuppressed()
		return nil, ErrDisabled
	}
	if last, ok := m.lastByApp[cc.AppID]; ok && now.Sub(last) < m.limits.SameAppCooldown {
		m.mu.Unlock()
		m.metrics.IncVCESuppressed()
		return nil, ErrSameAppCooldown
	}
	if !m.lastAny.IsZero() && now.Sub(m.lastAny) < m.limits.AnyCooldown {
		m.mu.Unlock()
		m.metrics.IncVCESuppressed()
		return nil, ErrAnyCooldown
	}
	m.hourlyTimes = pruneOlderThan(m.hourlyTimes, now.Add(-time.Hour))
	if len(m.hourlyTimes) >= m.limits.HourlyCap {
		m.mu.Unlock()
		m.metrics.IncVCESuppressed()
		return nil, ErrHourlyCap
	}
	m.dailyTimes = pruneOlderThan(m.dailyTimes, now.Add(-24*time.Hour))
	if len(m.dailyTimes) >= m.limits.DailyCap {
		m.mu.Unlock()
		m.metrics.IncVCESuppressed()
		return nil, ErrDailyCap
	}

	// All checks passed: spend the slot before releasing the lock.
	m.lastAny = now
	m.lastByApp[cc.AppID] = now
	m.hourlyTimes = append(m.hourlyTimes, now)
	m.dailyTimes = append(m.dailyTimes, now)
	m.mu.Unlock()

	capOut, err := m.takeCapture(ctx, cc, now)
	if err != nil {
		return nil, err
	}
	m.metrics.IncVCETriggered()
	if m.sink != nil {
		m.sink(*capOut)
	}
	return capOut, nil
}

func (m *Manager) takeCapture(ctx context.Context, cc CaptureContext, now time.Time) (*Capture, error) {
	frame, err := m.grabber.Grab(ctx)
	if err != nil {
		return nil, fmt.Errorf("grab frame: %w", err)
	}
	defer zero(frame)

	out := &Capture{
		AppID:          cc.AppID,
		Reason:         cc.Reason,
		Classification: Classify(cc),
		TakenAt:        now,
	}
	if m.process != nil {
		artifact, err := m.process(frame, cc)
		if err != nil {
			return nil, fmt.Errorf("process frame: %w", err)
		}
		out.Artifact = artifact
	}
	return out, nil
}

func pruneOlderThan(times []time.Time, cutoff time.Time) []time.Time {
	keep := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	return keep
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
