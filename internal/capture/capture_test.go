package capture

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proth1/kmflow-sub006/internal/appid"
	"github.com/proth1/kmflow-sub006/internal/consent"
	"github.com/proth1/kmflow-sub006/internal/events"
	"github.com/proth1/kmflow-sub006/internal/filter"
	"github.com/proth1/kmflow-sub006/internal/metrics"
	"github.com/proth1/kmflow-sub006/internal/pii"
	"github.com/proth1/kmflow-sub006/internal/ring"
	"github.com/proth1/kmflow-sub006/internal/seal"
	"github.com/proth1/kmflow-sub006/internal/secretstore"
	"github.com/proth1/kmflow-sub006/internal/spool"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*events.Envelope
	fail bool
}

func (s *fakeSender) Send(env *events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("pipe broken")
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.fail
}

func (s *fakeSender) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *fakeSender) envelopes() []*events.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*events.Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

type fixture struct {
	m       *Manager
	buf     *ring.Buffer
	sender  *fakeSender
	consent *consent.Machine
	metrics *metrics.Collector
	spool   *spool.Spool
}

func testSealer(t *testing.T) *seal.Sealer {
	t.Helper()
	key := make([]byte, seal.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	s, err := seal.New(key)
	require.NoError(t, err)
	return s
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		buf:     ring.New(1024),
		sender:  &fakeSender{},
		metrics: metrics.New(),
	}

	f.consent = consent.NewMachine(secretstore.NewMemStore(), testSealer(t), slog.Default())
	require.NoError(t, f.consent.Initialize("eng-test"))

	sp, err := spool.Open(filepath.Join(t.TempDir(), "spool.db"), testSealer(t), slog.Default(), spool.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sp.Close() })
	f.spool = sp

	resolver := appid.NewStaticResolver(
		&appid.Identity{PID: 100, Name: "EXCEL.EXE"},
		&appid.Identity{PID: 200, Name: "KEEPASS.EXE"},
		&appid.Identity{PID: 300, Name: "firefox"},
	)

	f.m = NewManager(
		f.buf, resolver, f.consent,
		filter.New(filter.NewBlockRules(nil, nil), slog.Default()),
		pii.New(), f.sender, sp, f.metrics, slog.Default(), opts,
	)
	return f
}

func titled(titles map[int32]string) TitleResolver {
	return func(pid int32) string { return titles[pid] }
}

func drain(f *fixture) {
	batch := make([]ring.RawEvent, 256)
	f.m.drainOnce(batch)
}

func TestNoCaptureWithoutConsent(t *testing.T) {
	f := newFixture(t, Options{})

	f.buf.Write(ring.RawEvent{Kind: ring.RawMouseClick, PID: 100})
	drain(f)

	assert.Empty(t, f.sender.envelopes())
	assert.Zero(t, f.m.EventCount())
}

func TestPauseSuppressesDispatch(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.consent.GrantConsent(consent.ScopeActionLevel))

	f.m.Pause()
	f.buf.Write(ring.RawEvent{Kind: ring.RawMouseClick, PID: 100})
	drain(f)
	assert.Empty(t, f.sender.envelopes())

	f.m.Resume()
	f.buf.Write(ring.RawEvent{Kind: ring.RawMouseClick, PID: 100})
	drain(f)
	assert.Len(t, f.sender.envelopes(), 1)
}

func TestUnresolvablePIDIsFiltered(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.consent.GrantConsent(consent.ScopeActionLevel))

	f.buf.Write(ring.RawEvent{Kind: ring.RawMouseClick, PID: 999})
	drain(f)

	assert.Empty(t, f.sender.envelopes())
	assert.EqualValues(t, 1, f.m.FilteredCount())
}

func TestSequenceNumbersOnlyForSurvivors(t *testing.T) {
	f := newFixture(t, Options{
		TitleResolver: titled(map[int32]string{
			200: "Passwords.kdbx - KeePass",
			100: "Budget 123-45-6789.xlsx - Excel",
		}),
	})
	require.NoError(t, f.consent.GrantConsent(consent.ScopeActionLevel))

	// A blocked password-manager event followed by an allowed Excel event:
	// the survivor must be sequence 1, not 2.
	f.buf.Write(ring.RawEvent{Kind: ring.RawAppActivated, PID: 200})
	f.buf.Write(ring.RawEvent{Kind: ring.RawAppActivated, PID: 100})
	drain(f)

	envs := f.sender.envelopes()
	require.Len(t, envs, 1)
	assert.EqualValues(t, 1, envs[0].SequenceNumber)
	assert.Equal(t, "EXCEL.EXE", envs[0].Event.ApplicationName)
	assert.EqualValues(t, 1, f.m.FilteredCount())
}

func TestWindowTitleScrubbedBeforeDispatch(t *testing.T) {
	f := newFixture(t, Options{
		TitleResolver: titled(map[int32]string{
			100: "Budget 123-45-6789.xlsx - Excel",
		}),
	})
	require.NoError(t, f.consent.GrantConsent(consent.ScopeActionLevel))

	f.buf.Write(ring.RawEvent{Kind: ring.RawWindowFocused, PID: 100})
	drain(f)

	envs := f.sender.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "Budget [PII_REDACTED].xlsx - Excel", envs[0].Event.WindowTitle)

	// The raw number must not appear anywhere in the serialized payload.
	payload, err := json.Marshal(envs[0])
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "123-45-6789")
}

func TestEventDataStringsScrubbed(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.consent.GrantConsent(consent.ScopeActionLevel))

	ev := events.New(events.TypeURLNavigation)
	ev.ApplicationName = "firefox"
	ev.EventData = map[string]any{
		"url":   "https://crm.example.com/search?q=john.doe@example.com",
		"count": 3,
	}
	f.m.Submit(ev)

	envs := f.sender.envelopes()
	require.Len(t, envs, 1)
	url := envs[0].Event.EventData["url"].(string)
	assert.NotContains(t, url, "john.doe@example.com")
	assert.Contains(t, url, pii.RedactionToken)
	assert.Equal(t, 3, envs[0].Event.EventData["count"])
}

func TestIdleEventsInheritForegroundIdentity(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.consent.GrantConsent(consent.ScopeActionLevel))

	// Establish a foreground application, then raise an idle transition the
	// way the agent does: event data only, no identity of its own.
	f.buf.Write(ring.RawEvent{Kind: ring.RawAppActivated, PID: 100})
	drain(f)
	require.Len(t, f.sender.envelopes(), 1)

	ev := events.New(events.TypeIdleStart)
	ev.EventData = map[string]any{"since": "2026-08-28T09:00:00Z"}
	f.m.Submit(ev)

	envs := f.sender.envelopes()
	require.Len(t, envs, 2)
	idle := envs[1].Event
	assert.Equal(t, events.TypeIdleStart, idle.EventType)
	assert.Equal(t, "EXCEL.EXE", idle.ApplicationName)
	assert.Zero(t, f.m.FilteredCount())
}

func TestIdleEventBeforeAnyForegroundStaysBlocked(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.consent.GrantConsent(consent.ScopeActionLevel))

	f.m.Submit(events.New(events.TypeIdleEnd))

	assert.Empty(t, f.sender.envelopes())
	assert.EqualValues(t, 1, f.m.FilteredCount())
}

func TestSnapshotActivityCountsAndResets(t *testing.T) {
	f := newFixture(t, Options{
		TitleResolver: titled(map[int32]string{100: "Sheet1 - Excel"}),
	})
	require.NoError(t, f.consent.GrantConsent(consent.ScopeActionLevel))

	f.buf.Write(ring.RawEvent{Kind: ring.RawAppActivated, PID: 100})
	f.buf.Write(ring.RawEvent{Kind: ring.RawKeyDown, PID: 100})
	f.buf.Write(ring.RawEvent{Kind: ring.RawKeyDown, PID: 100})
	f.buf.Write(ring.RawEvent{Kind: ring.RawMouseClick, PID: 100, Button: 1})
	f.buf.Write(ring.RawEvent{Kind: ring.RawScroll, PID: 100})
	drain(f)

	snap := f.m.SnapshotActivity()
	assert.Equal(t, "EXCEL.EXE", snap.AppName)
	assert.Equal(t, "Sheet1 - Excel", snap.WindowTitle)
	assert.Equal(t, 2, snap.Keystrokes)
	assert.Equal(t, 1, snap.Clicks)
	assert.Equal(t, 1, snap.Scrolls)
	assert.GreaterOrEqual(t, snap.FocusedFor, time.Duration(0))

	// Counters are interval-scoped; the foreground context carries over.
	snap = f.m.SnapshotActivity()
	assert.Equal(t, "EXCEL.EXE", snap.AppName)
	assert.Zero(t, snap.Keystrokes)
	assert.Zero(t, snap.Clicks)
	assert.Zero(t, snap.Scrolls)
}

func TestAppSwitchCallbackFiresOncePerChange(t *testing.T) {
	f := newFixture(t, Options{})
	var switches int
	f.m.OnAppSwitch(func() { switches++ })
	require.NoError(t, f.consent.GrantConsent(consent.ScopeActionLevel))

	f.buf.Write(ring.RawEvent{Kind: ring.RawAppActivated, PID: 100})
	f.buf.Write(ring.RawEvent{Kind: ring.RawAppActivated, PID: 100})
	f.buf.Write(ring.RawEvent{Kind: ring.RawAppActivated, PID: 300})
	drain(f)

	assert.Equal(t, 2, switches)
}

func TestRepeatedAppActivationCollapses(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.consent.GrantConsent(consent.ScopeActionLevel))

	f.buf.Write(ring.RawEvent{Kind: ring.RawAppActivated, PID: 100})
	f.buf.Write(ring.RawEvent{Kind: ring.RawAppActivated, PID: 100})
	f.buf.Write(ring.RawEvent{Kind: ring.RawAppActivated, PID: 300})
	drain(f)

	envs := f.sender.envelopes()
	require.Len(t, envs, 2)
	assert.Equal(t, "EXCEL.EXE", envs[0].Event.ApplicationName)
	assert.Equal(t, "firefox", envs[1].Event.ApplicationName)
}

func TestSpoolFallbackAndReplay(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.consent.GrantConsent(consent.ScopeActionLevel))

	f.sender.setFail(true)
	f.buf.Write(ring.RawEvent{Kind: ring.RawMouseClick, PID: 100, Button: 1})
	f.buf.Write(ring.RawEvent{Kind: ring.RawMouseClick, PID: 100, Button: 1})
	drain(f)

	assert.Empty(t, f.sender.envelopes())
	pending, err := f.spool.PendingCount(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, pending)

	// Transport recovers; the next dispatch replays the spool in order.
	f.sender.setFail(false)
	f.buf.Write(ring.RawEvent{Kind: ring.RawMouseClick, PID: 100, Button: 1})
	drain(f)

	envs := f.sender.envelopes()
	require.Len(t, envs, 3)
	assert.EqualValues(t, 3, envs[0].SequenceNumber)
	assert.EqualValues(t, 1, envs[1].SequenceNumber)
	assert.EqualValues(t, 2, envs[2].SequenceNumber)

	pending, err = f.spool.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDrainFlushesRingAndSpool(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.consent.GrantConsent(consent.ScopeActionLevel))

	f.sender.setFail(true)
	f.buf.Write(ring.RawEvent{Kind: ring.RawMouseClick, PID: 100})
	drain(f)
	f.sender.setFail(false)

	f.buf.Write(ring.RawEvent{Kind: ring.RawScroll, PID: 100})
	require.NoError(t, f.m.Drain(context.Background()))

	assert.Len(t, f.sender.envelopes(), 2)
	pending, err := f.spool.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRevocationStopsPipeline(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.consent.GrantConsent(consent.ScopeActionLevel))

	f.buf.Write(ring.RawEvent{Kind: ring.RawMouseClick, PID: 100})
	drain(f)
	require.Len(t, f.sender.envelopes(), 1)

	require.NoError(t, f.consent.RevokeConsent())
	f.buf.Write(ring.RawEvent{Kind: ring.RawMouseClick, PID: 100})
	drain(f)
	assert.Len(t, f.sender.envelopes(), 1)
}

// The end-to-end walk: consent granted, a password-manager window switch is
// dropped by the context filter, an Excel window switch with a sensitive
// title is scrubbed and dispatched as the first sequenced envelope.
func TestPipelineEndToEnd(t *testing.T) {
	f := newFixture(t, Options{
		TitleResolver: titled(map[int32]string{
			200: "Vault.kdbx - KeePass",
			100: "Budget 123-45-6789.xlsx - Excel",
		}),
	})
	require.NoError(t, f.consent.GrantConsent(consent.ScopeActionLevel))

	f.buf.Write(ring.RawEvent{Kind: ring.RawAppActivated, PID: 200})
	f.buf.Write(ring.RawEvent{Kind: ring.RawAppActivated, PID: 100})
	drain(f)

	envs := f.sender.envelopes()
	require.Len(t, envs, 1)
	env := envs[0]

	assert.EqualValues(t, events.ProtocolVersion, env.Version)
	assert.EqualValues(t, 1, env.SequenceNumber)
	assert.Equal(t, events.TypeAppSwitch, env.Event.EventType)
	assert.Equal(t, "Budget [PII_REDACTED].xlsx - Excel", env.Event.WindowTitle)
	assert.NotEmpty(t, env.Event.IdempotencyKey)

	payload, err := env.Marshal()
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(payload), "123-45-6789"))
	assert.False(t, strings.Contains(string(payload), "KeePass"))

	assert.EqualValues(t, 1, f.m.FilteredCount())
	assert.EqualValues(t, 1, f.metrics.Dispatched())
	assert.EqualValues(t, 1, f.metrics.Filtered())
}
