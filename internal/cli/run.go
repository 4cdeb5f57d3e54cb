package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/proth1/kmflow-sub006/internal/appid"
	"github.com/proth1/kmflow-sub006/internal/capture"
	"github.com/proth1/kmflow-sub006/internal/config"
	"github.com/proth1/kmflow-sub006/internal/consent"
	"github.com/proth1/kmflow-sub006/internal/events"
	"github.com/proth1/kmflow-sub006/internal/filter"
	"github.com/proth1/kmflow-sub006/internal/metrics"
	"github.com/proth1/kmflow-sub006/internal/pii"
	"github.com/proth1/kmflow-sub006/internal/ring"
	"github.com/proth1/kmflow-sub006/internal/seal"
	"github.com/proth1/kmflow-sub006/internal/source"
	"github.com/proth1/kmflow-sub006/internal/spool"
	"github.com/proth1/kmflow-sub006/internal/transport"
	"github.com/proth1/kmflow-sub006/internal/vce"
)

const (
	drainTimeout    = 5 * time.Second
	vceEvalInterval = 15 * time.Second
)

func newRunCmd(configPath *string) *cobra.Command {
	var engagementID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the capture agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if engagementID != "" {
				cfg.Engagement.ID = engagementID
			}
			return runAgent(cmd.Context(), cfg, *configPath)
		},
	}
	cmd.Flags().StringVar(&engagementID, "engagement",
		getenvDefault("KMFLOW_ENGAGEMENT", ""), "engagement id (overrides config)")
	return cmd
}

func runAgent(ctx context.Context, cfg *config.Config, configPath string) error {
	if cfg.Engagement.ID == "" {
		return fmt.Errorf("engagement.id is not configured")
	}
	log := newLogger(cfg.Logging, os.Stderr)
	log.Info("kmflow-agent starting", "engagement_id", cfg.Engagement.ID)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cm, err := buildConsentMachine(cfg, log)
	if err != nil {
		return err
	}
	if err := cm.Initialize(cfg.Engagement.ID); err != nil {
		return fmt.Errorf("initialize consent: %w", err)
	}

	key, err := seal.LoadKey(sealKeyEnv, cfg.Consent.KeyFile)
	if err != nil {
		return fmt.Errorf("load sealing key: %w", err)
	}
	sealer, err := seal.New(key)
	if err != nil {
		return err
	}

	sp, err := spool.Open(cfg.Spool.Path, sealer, log, spool.Options{MaxBytes: cfg.Spool.MaxBytes})
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer sp.Close()

	client := transport.NewClient(cfg.IPC.Endpoint, log)
	defer client.Close()
	go func() {
		if err := client.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("transport connect failed", "error", err)
		}
	}()

	col := metrics.New()
	buf := ring.New(cfg.Capture.RingCapacity)
	rules := filter.NewBlockRules(cfg.Filter.Blocklist, cfg.Filter.Allowlist)
	flt := filter.New(rules, log)

	mgr := capture.NewManager(buf, appid.New(), cm, flt, pii.New(), client, sp, col, log,
		capture.Options{
			PollInterval: cfg.Capture.PollInterval,
			BatchSize:    cfg.Capture.BatchSize,
		})

	idle := source.NewIdleDetector(cfg.Capture.IdleTimeout, log)
	idle.OnIdleStart(func(since time.Time) {
		ev := events.New(events.TypeIdleStart)
		ev.EventData = map[string]any{"since": since.UTC().Format(time.RFC3339)}
		mgr.Submit(ev)
	})
	idle.OnIdleEnd(func(idleFor time.Duration) {
		ev := events.New(events.TypeIdleEnd)
		ev.EventData = map[string]any{"idle_seconds": int(idleFor.Seconds())}
		mgr.Submit(ev)
	})
	mgr.OnRawActivity(idle.Touch)

	vceMgr := setupVCE(cfg, mgr, col, log)
	cm.OnConsentGranted(func(sc consent.Scope) {
		if vceMgr != nil {
			vceMgr.SetEnabled(cfg.Screenshot.Enabled && sc == consent.ScopeContentLevel)
		}
	})
	cm.OnConsentRevoked(func() {
		if vceMgr != nil {
			vceMgr.SetEnabled(false)
		}
	})
	if vceMgr != nil && cm.CaptureScope() == consent.ScopeContentLevel {
		vceMgr.SetEnabled(cfg.Screenshot.Enabled)
	}

	var appSwitch chan struct{}
	if vceMgr != nil {
		appSwitch = make(chan struct{}, 1)
		mgr.OnAppSwitch(func() {
			select {
			case appSwitch <- struct{}{}:
			default:
			}
		})
	}

	src := source.NewCallback()
	if err := src.Register(buf); err != nil {
		return fmt.Errorf("register event source: %w", err)
	}

	// Config hot reload: only filter rules take effect live.
	if configPath != "" {
		w, err := config.NewWatcher(configPath, func(next *config.Config) {
			rules.Replace(next.Filter.Blocklist, next.Filter.Allowlist)
			log.Info("filter rules reloaded",
				"blocklist", len(next.Filter.Blocklist),
				"allowlist", len(next.Filter.Allowlist))
		}, log)
		if err == nil {
			if err := w.Start(ctx); err != nil {
				log.Warn("config watcher not started", "error", err)
			}
		}
	}

	var srvWG sync.WaitGroup
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", col.Handler(metrics.HandlerOptions{
			Connected: client.Connected,
			SpoolPending: func() int64 {
				n, err := sp.PendingCount(context.Background())
				if err != nil {
					return -1
				}
				return n
			},
		}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		srvWG.Add(1)
		go func() {
			defer srvWG.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
			srvWG.Wait()
		}()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		mgr.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		idle.Run(ctx)
	}()
	if vceMgr != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runVCETriggers(ctx, vceMgr, mgr, appSwitch, log)
		}()
	}

	log.Info("kmflow-agent running",
		"consent_state", cm.CurrentState(), "endpoint", cfg.IPC.Endpoint)
	<-ctx.Done()
	log.Info("kmflow-agent shutting down")

	// Shutdown order: stop the source first so the ring stops filling, let
	// the run loops finish, then drain what remains within the deadline.
	_ = src.Unregister()
	wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := mgr.Drain(drainCtx); err != nil {
		log.Warn("shutdown drain incomplete", "error", err)
	}
	log.Info("kmflow-agent stopped",
		"dispatched", mgr.EventCount(), "filtered", mgr.FilteredCount())
	return nil
}

// setupVCE wires the visual capture engine when a frame grabber exists.
// Captures re-enter the pipeline as screen_capture events carrying the
// classification, never pixels.
func setupVCE(cfg *config.Config, mgr *capture.Manager, col *metrics.Collector, log *slog.Logger) *vce.Manager {
	grabber, err := vce.NewPlatformGrabber()
	if err != nil {
		log.Warn("visual capture disabled", "reason", err)
		return nil
	}
	limits := vce.Limits{
		SameAppCooldown: cfg.Screenshot.SameAppCooldown,
		AnyCooldown:     cfg.Screenshot.AnyCooldown,
		HourlyCap:       cfg.Screenshot.HourlyCap,
		DailyCap:        cfg.Screenshot.DailyCap,
	}
	sink := func(c vce.Capture) {
		ev := events.New(events.TypeScreenCapture)
		ev.ApplicationName = c.AppID
		ev.EventData = map[string]any{
			"screen_state": string(c.Classification.State),
			"confidence":   c.Classification.Confidence,
			"trigger":      c.Reason,
		}
		mgr.Submit(ev)
	}
	return vce.NewManager(grabber, nil, sink, limits, col, log)
}

// runVCETriggers drives the visual capture engine: every foreground app
// change and every evaluation interval it snapshots recent activity and
// offers the engine a capture opportunity. The engine's rate limits decide
// whether a frame is actually taken.
func runVCETriggers(ctx context.Context, vceMgr *vce.Manager, mgr *capture.Manager, appSwitch <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(vceEvalInterval)
	defer ticker.Stop()
	for {
		reason := vce.TriggerInterval
		select {
		case <-ctx.Done():
			return
		case <-appSwitch:
			reason = vce.TriggerAppSwitch
		case <-ticker.C:
		}

		snap := mgr.SnapshotActivity()
		if snap.AppID == "" {
			continue
		}
		cc := vce.CaptureContext{
			AppID:            snap.AppID,
			WindowTitle:      snap.WindowTitle,
			Dwell:            snap.FocusedFor,
			Reason:           reason,
			RecentKeystrokes: snap.Keystrokes,
			RecentClicks:     snap.Clicks,
			RecentScrolls:    snap.Scrolls,
		}
		if _, err := vceMgr.EvaluateTrigger(ctx, cc); err != nil {
			log.Debug("visual capture suppressed", "trigger", reason, "reason", err)
		}
	}
}
