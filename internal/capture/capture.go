// Package capture is the pipeline core: it drains the hook ring buffer,
// resolves process identity, applies the consent gate and both privacy
// layers, sequences survivors, and dispatches them over IPC with an
// on-disk spool as the fallback.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/proth1/kmflow-sub006/internal/appid"
	"github.com/proth1/kmflow-sub006/internal/consent"
	"github.com/proth1/kmflow-sub006/internal/events"
	"github.com/proth1/kmflow-sub006/internal/filter"
	"github.com/proth1/kmflow-sub006/internal/metrics"
	"github.com/proth1/kmflow-sub006/internal/pii"
	"github.com/proth1/kmflow-sub006/internal/ring"
	"github.com/proth1/kmflow-sub006/internal/spool"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultBatchSize    = 256
	spoolDrainBatch     = 64
)

// Sender is the envelope delivery surface the manager depends on.
// *transport.Client satisfies it.
type Sender interface {
	Send(env *events.Envelope) error
	Connected() bool
}

// TitleResolver supplies the focused window title for an event, where the
// platform binding can provide one. Nil title resolvers are fine; events
// then carry no window title.
type TitleResolver func(pid int32) string

// Options configure a Manager beyond its required collaborators.
type Options struct {
	PollInterval  time.Duration
	BatchSize     int
	TitleResolver TitleResolver
}

// Manager owns the consume side of the pipeline. Exactly one Run loop may
// be active.
type Manager struct {
	buf      *ring.Buffer
	resolver appid.Resolver
	consent  *consent.Machine
	filter   *filter.Filter
	scrubber *pii.Scrubber
	sender   Sender
	spool    *spool.Spool
	metrics  *metrics.Collector
	log      *slog.Logger
	opts     Options

	seq    atomic.Uint64
	paused atomic.Bool

	// onRawActivity is invoked once per drained batch that contained
	// events, regardless of filtering. Feeds the idle detector: privacy
	// filtering hides content, not the fact that the user is active.
	onRawActivity func()

	// onAppSwitch is invoked whenever the foreground application changes.
	// Feeds the visual capture trigger loop.
	onAppSwitch func()

	mu           sync.Mutex
	lastApp      string
	lastIdentity *appid.Identity
	lastTitle    string
	appSince     time.Time
	keystrokes   int
	clicks       int
	scrolls      int

	now func() time.Time
}

// NewManager wires the pipeline stages together.
func NewManager(buf *ring.Buffer, resolver appid.Resolver, cm *consent.Machine, f *filter.Filter, scrubber *pii.Scrubber, sender Sender, sp *spool.Spool, m *metrics.Collector, log *slog.Logger, opts Options) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Manager{
		buf:      buf,
		resolver: resolver,
		consent:  cm,
		filter:   f,
		scrubber: scrubber,
		sender:   sender,
		spool:    sp,
		metrics:  m,
		log:      log,
		opts:     opts,
		now:      time.Now,
	}
}

// OnRawActivity registers the activity callback. Must be set before Run.
func (m *Manager) OnRawActivity(fn func()) { m.onRawActivity = fn }

// OnAppSwitch registers the foreground-change callback. Must be set before
// Run.
func (m *Manager) OnAppSwitch(fn func()) { m.onAppSwitch = fn }

// Pause suspends dispatch without tearing down hooks. Raw events drained
// while paused are discarded. Pause state does not survive a restart.
func (m *Manager) Pause() { m.paused.Store(true) }

// Resume re-enables dispatch.
func (m *Manager) Resume() { m.paused.Store(false) }

// Paused reports the pause state.
func (m *Manager) Paused() bool { return m.paused.Load() }

// EventCount returns how many events have been sequenced for dispatch.
func (m *Manager) EventCount() uint64 { return m.seq.Load() }

// FilteredCount returns how many events the context filter rejected.
func (m *Manager) FilteredCount() uint64 { return m.filter.BlockedCount() }

// Run drains the ring on a fixed cadence until the context ends. It then
// performs one final drain so events raised before shutdown are not lost.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	batch := make([]ring.RawEvent, m.opts.BatchSize)
	for {
		select {
		case <-ctx.Done():
			m.drainOnce(batch)
			return
		case <-ticker.C:
			m.drainOnce(batch)
			m.metrics.SetRingDropped(m.buf.Dropped())
		}
	}
}

func (m *Manager) drainOnce(batch []ring.RawEvent) {
	n := m.buf.ReadBatch(batch)
	if n == 0 {
		return
	}
	if m.onRawActivity != nil {
		m.onRawActivity()
	}
	for _, raw := range batch[:n] {
		m.handleRaw(raw)
	}
}

// handleRaw runs one raw event through the full gauntlet. Order matters:
// consent and pause come before identity resolution so nothing is even
// inspected without permission, and filtering comes before scrubbing so
// blocked events never reach the serializer.
func (m *Manager) handleRaw(raw ring.RawEvent) {
	if !m.consent.CaptureAllowed() {
		return
	}
	if m.paused.Load() {
		return
	}

	ev := m.assemble(raw)
	if ev == nil {
		return
	}
	m.Submit(ev)
}

// Submit pushes an already-assembled event through filtering, scrubbing,
// sequencing, and dispatch. Synthetic events (idle transitions, visual
// capture notifications) enter here directly.
func (m *Manager) Submit(ev *events.CaptureEvent) {
	if !m.consent.CaptureAllowed() || m.paused.Load() {
		return
	}

	m.attachIdentity(ev)
	if m.filter.ShouldBlock(ev) {
		m.metrics.IncFiltered()
		return
	}

	m.scrub(ev)

	ev.SequenceNumber = m.seq.Add(1)
	if ev.IdempotencyKey == "" {
		ev.IdempotencyKey = uuid.NewString()
	}

	m.dispatch(events.Wrap(ev))
}

// attachIdentity stamps synthesized events that arrive without an
// application identity with the last-known foreground identity, so they can
// pass the fail-closed identity check. Idle transitions and screen captures
// describe the session, not a process, so they have no PID of their own. A
// synthesized event before any foreground app is known stays identity-less
// and is rejected at the filter.
func (m *Manager) attachIdentity(ev *events.CaptureEvent) {
	switch ev.EventType {
	case events.TypeIdleStart, events.TypeIdleEnd, events.TypeScreenCapture:
	default:
		return
	}
	if ev.ApplicationName != "" || ev.BundleIdentifier != "" {
		return
	}
	m.mu.Lock()
	id := m.lastIdentity
	m.mu.Unlock()
	if id != nil {
		ev.ApplicationName = id.Name
		ev.BundleIdentifier = id.BundleID
	}
}

// assemble turns a raw hook event into a wire event with identity attached.
// Returns nil for raw events that do not map to a wire type on their own,
// such as a repeated app-activation for the app already in front.
func (m *Manager) assemble(raw ring.RawEvent) *events.CaptureEvent {
	id, err := m.resolver.Resolve(raw.PID)
	if err != nil {
		// Unresolvable identity fails closed at the filter; build the
		// event with no identity so the rejection is counted there.
		id = nil
	}

	var t events.Type
	data := map[string]any{}
	switch raw.Kind {
	case ring.RawKeyDown:
		t = events.TypeKeyboardAction
	case ring.RawKeyShortcut:
		t = events.TypeKeyboardShortcut
		data["modifiers"] = raw.Modifiers
		data["key_code"] = raw.KeyCode
	case ring.RawMouseClick:
		t = events.TypeMouseClick
		data["button"] = raw.Button
	case ring.RawMouseDoubleClick:
		t = events.TypeMouseDoubleClick
		data["button"] = raw.Button
	case ring.RawMouseDrag:
		t = events.TypeMouseDrag
	case ring.RawScroll:
		t = events.TypeScroll
	case ring.RawAppActivated:
		t = events.TypeAppSwitch
	case ring.RawWindowFocused:
		t = events.TypeWindowFocus
	case ring.RawClipboard:
		t = events.TypeCopyPaste
	default:
		m.log.Debug("unknown raw event kind", "kind", raw.Kind)
		return nil
	}

	if raw.Kind == ring.RawAppActivated && id != nil {
		m.mu.Lock()
		same := m.lastApp == id.CanonicalID()
		m.lastApp = id.CanonicalID()
		if !same {
			m.appSince = m.now()
		}
		m.mu.Unlock()
		if same {
			return nil
		}
		if m.onAppSwitch != nil {
			m.onAppSwitch()
		}
	}

	var title string
	if id != nil && m.opts.TitleResolver != nil {
		title = m.opts.TitleResolver(raw.PID)
	}
	m.recordActivity(t, id, title)

	ev := events.New(t)
	if raw.TimeNS > 0 {
		ev.Timestamp = time.Unix(0, raw.TimeNS).UTC().Format("2006-01-02T15:04:05.000000Z")
	}
	if id != nil {
		ev.ApplicationName = id.Name
		ev.BundleIdentifier = id.BundleID
		ev.WindowTitle = title
	}
	if len(data) > 0 {
		ev.EventData = data
	}
	return ev
}

// recordActivity updates the foreground context and the per-interval input
// counters the visual capture trigger samples.
func (m *Manager) recordActivity(t events.Type, id *appid.Identity, title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != nil {
		m.lastIdentity = id
	}
	if title != "" {
		m.lastTitle = title
	}
	switch t {
	case events.TypeKeyboardAction, events.TypeKeyboardShortcut:
		m.keystrokes++
	case events.TypeMouseClick, events.TypeMouseDoubleClick:
		m.clicks++
	case events.TypeScroll:
		m.scrolls++
	}
}

// Activity summarizes the foreground context and the input volume
// accumulated since the previous snapshot.
type Activity struct {
	AppID       string
	AppName     string
	BundleID    string
	WindowTitle string
	FocusedFor  time.Duration
	Keystrokes  int
	Clicks      int
	Scrolls     int
}

// SnapshotActivity returns the accumulated activity and resets the input
// counters. Foreground identity and dwell carry across snapshots; only the
// counters are interval-scoped.
func (m *Manager) SnapshotActivity() Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := Activity{
		WindowTitle: m.lastTitle,
		Keystrokes:  m.keystrokes,
		Clicks:      m.clicks,
		Scrolls:     m.scrolls,
	}
	if m.lastIdentity != nil {
		a.AppID = m.lastIdentity.CanonicalID()
		a.AppName = m.lastIdentity.Name
		a.BundleID = m.lastIdentity.BundleID
	}
	if !m.appSince.IsZero() {
		a.FocusedFor = m.now().Sub(m.appSince)
	}
	m.keystrokes, m.clicks, m.scrolls = 0, 0, 0
	return a
}

// scrub applies the second privacy layer to every free-text field.
func (m *Manager) scrub(ev *events.CaptureEvent) {
	if ev.WindowTitle != "" {
		ev.WindowTitle = m.scrubber.Scrub(ev.WindowTitle)
	}
	for k, v := range ev.EventData {
		if s, ok := v.(string); ok && s != "" {
			ev.EventData[k] = m.scrubber.Scrub(s)
		}
	}
}

// dispatch sends the envelope, falling back to the spool when the transport
// cannot deliver. A healthy send also opportunistically drains the spool.
func (m *Manager) dispatch(env *events.Envelope) {
	err := m.sender.Send(env)
	if err == nil {
		m.metrics.IncDispatched(string(env.Event.EventType))
		m.flushSpool(context.Background())
		return
	}

	m.metrics.IncSendFailed()
	if m.spool == nil {
		m.log.Error("envelope undeliverable and no spool configured",
			"seq", env.SequenceNumber, "error", err)
		return
	}
	payload, merr := env.Marshal()
	if merr != nil {
		m.log.Error("envelope unserializable", "seq", env.SequenceNumber, "error", merr)
		return
	}
	if serr := m.spool.Append(context.Background(), env.SequenceNumber, payload); serr != nil {
		m.log.Error("spool append failed, envelope lost",
			"seq", env.SequenceNumber, "error", serr)
		return
	}
	m.metrics.IncSpooled()
	m.metrics.IncDispatched(string(env.Event.EventType))
	m.log.Warn("transport unavailable, envelope spooled",
		"seq", env.SequenceNumber, "error", err)
}

// flushSpool replays spooled envelopes in order while the transport stays
// healthy. Replayed envelopes keep their original sequence numbers and
// idempotency keys, so the receiver deduplicates any overlap.
func (m *Manager) flushSpool(ctx context.Context) {
	if m.spool == nil {
		return
	}
	for {
		entries, err := m.spool.ReadPending(ctx, spoolDrainBatch)
		if err != nil {
			m.log.Warn("spool read failed", "error", err)
			return
		}
		if len(entries) == 0 {
			return
		}
		var sent []string
		for _, e := range entries {
			env, err := events.UnmarshalEnvelope(e.Payload)
			if err != nil {
				// A spooled envelope this process wrote should always
				// parse; drop it rather than wedge the queue.
				m.log.Error("discarding malformed spooled envelope",
					"id", e.ID, "error", err)
				sent = append(sent, e.ID)
				continue
			}
			if err := m.sender.Send(env); err != nil {
				break
			}
			sent = append(sent, e.ID)
		}
		if len(sent) > 0 {
			if err := m.spool.MarkUploaded(ctx, sent...); err != nil {
				m.log.Warn("spool mark failed", "error", err)
				return
			}
			if _, err := m.spool.PruneUploaded(ctx); err != nil {
				m.log.Warn("spool prune failed", "error", err)
			}
		}
		if len(sent) < len(entries) {
			return
		}
	}
}

// Drain flushes the ring and the spool within the context deadline. Called
// during shutdown after the source is unregistered.
func (m *Manager) Drain(ctx context.Context) error {
	batch := make([]ring.RawEvent, m.opts.BatchSize)
	for m.buf.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("drain interrupted: %w", err)
		}
		m.drainOnce(batch)
	}
	m.flushSpool(ctx)
	return nil
}
