// Package engine is the composition root: it opens the snapshot store,
// probes the hardware, wires the supervisor, relay pool, executor,
// router, watchdog, and scheduler together, and exposes the appliance's
// control surface as plain methods.
package engine

import (
	"context"
	"log"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vistter/vistterstream/internal/conf"
	"github.com/vistter/vistterstream/internal/encoder"
	"github.com/vistter/vistterstream/internal/hardware"
	"github.com/vistter/vistterstream/internal/logging"
	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/mqtt"
	"github.com/vistter/vistterstream/internal/notify"
	"github.com/vistter/vistterstream/internal/observability"
	"github.com/vistter/vistterstream/internal/overlay"
	"github.com/vistter/vistterstream/internal/preview"
	"github.com/vistter/vistterstream/internal/ptz"
	"github.com/vistter/vistterstream/internal/relay"
	"github.com/vistter/vistterstream/internal/router"
	"github.com/vistter/vistterstream/internal/scheduler"
	"github.com/vistter/vistterstream/internal/store"
	"github.com/vistter/vistterstream/internal/timeline"
	"github.com/vistter/vistterstream/internal/watchdog"
)

// positionPublishInterval paces MQTT playback position snapshots.
const positionPublishInterval = time.Second

var engineLogger *slog.Logger

func init() {
	engineLogger = logging.ForService("engine")
	if engineLogger == nil {
		engineLogger = slog.Default().With("service", "engine")
	}
}

// Engine owns every long-lived component of the appliance.
type Engine struct {
	settings *conf.Settings
	store    *store.DataStore
	caps     *hardware.Capabilities

	metrics  *observability.Metrics
	endpoint *observability.Endpoint

	supervisor *encoder.Supervisor
	relays     *relay.Pool
	ptz        *ptz.Controller
	preview    *preview.Client
	executor   *timeline.Executor
	router     *router.Router
	watchdog   *watchdog.Manager
	scheduler  *scheduler.Scheduler

	mqttClient mqtt.Client
	publisher  *mqtt.Publisher
	notifier   *notify.Notifier

	cancel context.CancelFunc
}

// New builds the engine from settings. The hardware probe runs here, so
// a missing transcoder binary fails construction rather than the first
// stream.
func New(ctx context.Context, settings *conf.Settings) (*Engine, error) {
	e := &Engine{settings: settings}

	ds, err := store.Open(settings.Database.Path)
	if err != nil {
		return nil, err
	}
	e.store = ds

	caps, err := hardware.Probe(ctx, settings.FFmpeg.Path)
	if err != nil {
		_ = ds.Close()
		return nil, err
	}
	e.caps = caps

	maxStreams := caps.MaxConcurrentStreams
	if settings.FFmpeg.MaxStreams > 0 {
		maxStreams = settings.FFmpeg.MaxStreams
	}

	if settings.Metrics.Enabled {
		m, merr := observability.NewMetrics()
		if merr != nil {
			_ = ds.Close()
			return nil, merr
		}
		e.metrics = m
		ep, eerr := observability.NewEndpoint(settings, m)
		if eerr != nil {
			_ = ds.Close()
			return nil, eerr
		}
		e.endpoint = ep
	}

	notifier, err := notify.New(settings.Notify)
	if err != nil {
		_ = ds.Close()
		return nil, err
	}
	e.notifier = notifier

	if settings.MQTT.Enabled {
		cfg := mqtt.DefaultConfig()
		cfg.Broker = settings.MQTT.Broker
		cfg.Username = settings.MQTT.Username
		cfg.Password = settings.MQTT.Password
		cfg.Retain = settings.MQTT.Retain
		if e.metrics != nil {
			e.mqttClient = mqtt.NewClient(cfg, e.metrics.MQTT)
		} else {
			e.mqttClient = mqtt.NewClient(cfg, nil)
		}
		e.publisher = mqtt.NewPublisher(e.mqttClient, settings.MQTT.TopicBase)
	}

	e.supervisor = encoder.NewSupervisor(encoder.Config{
		FFmpegPath:      settings.FFmpeg.Path,
		MaxStreams:      maxStreams,
		IsStreamStopped: e.isStreamStopped,
		OnStatus:        e.onStreamStatus,
	})

	e.relays = relay.NewPool(relay.Config{
		FFmpegPath: settings.FFmpeg.Path,
		RTMPBase:   settings.Relay.RTMPBase,
	})

	e.ptz = ptz.NewController(nil)
	e.preview = preview.NewClient(settings.Preview.APIBaseURL, settings.Preview.RTMPURL)

	e.executor = timeline.NewExecutor(timeline.Config{
		Store:          ds,
		Transcoder:     e.supervisor,
		Relays:         e.relays,
		PTZ:            e.ptz,
		Watchdog:       &watchdogBridge{e: e},
		Encoder:        caps.Encoder,
		DefaultBitrate: settings.Output.VideoBitrate,
		NewPrefetcher: func() timeline.Prefetcher {
			return overlay.NewPrefetcher(settings.Overlay.DataDir)
		},
	})

	e.watchdog = watchdog.NewManager(watchdog.Config{
		Supervisor:   e.supervisor,
		Heartbeats:   e.executor,
		Destinations: ds,
		OnRecovery:   e.onRecovery,
	})

	e.router = router.New(e.executor, ds, e.preview, nil)
	e.scheduler = scheduler.New(scheduler.Config{Store: ds, Router: e.router})

	engineLogger.Info("engine assembled",
		"encoder", caps.Encoder,
		"platform", caps.Platform,
		"max_streams", maxStreams,
		"metrics", settings.Metrics.Enabled,
		"mqtt", settings.MQTT.Enabled)
	return e, nil
}

// Start brings up the background services: metrics endpoint, MQTT
// connection, scheduler, and the position publisher.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if e.endpoint != nil {
		e.endpoint.Start(runCtx)
	}
	if e.mqttClient != nil {
		go func() {
			if err := e.mqttClient.Connect(runCtx); err != nil {
				engineLogger.Warn("MQTT connect failed, status publishing degraded", "error", err)
			}
		}()
		go e.publishPositions(runCtx)
	}
	e.scheduler.Start()
	log.Printf("✅ Engine started (encoder %s)", e.caps.Encoder)
}

// Shutdown stops everything in dependency order: scheduler first so no
// new streams start, then the streaming path, then the watchers and
// transports.
func (e *Engine) Shutdown(ctx context.Context) {
	log.Printf("🛑 Engine shutting down")
	e.scheduler.Stop()
	if err := e.router.Stop(ctx); err != nil {
		engineLogger.Warn("router stop during shutdown", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range e.executor.ActiveTimelines() {
		g.Go(func() error {
			_, err := e.executor.StopTimeline(gctx, id)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		engineLogger.Warn("stopping timelines during shutdown", "error", err)
	}

	e.watchdog.Shutdown()
	e.relays.StopAll(ctx)
	e.supervisor.StopAll(ctx)

	if e.mqttClient != nil {
		e.mqttClient.Disconnect()
	}
	if e.cancel != nil {
		e.cancel()
	}
	if err := e.store.Close(); err != nil {
		engineLogger.Warn("closing store", "error", err)
	}
	log.Printf("✅ Engine shutdown complete")
}

// baseStreamID strips the temporary handoff suffix so persistence and
// MQTT always see the real stream id.
func baseStreamID(streamID string) string {
	if i := strings.Index(streamID, "_handoff_"); i >= 0 {
		return streamID[:i]
	}
	return streamID
}

// isStreamStopped asks the store whether the operator stopped the
// stream; a dying transcoder is only auto-restarted when they did not.
func (e *Engine) isStreamStopped(streamID string) bool {
	id, err := strconv.Atoi(baseStreamID(streamID))
	if err != nil {
		return false
	}
	return e.store.IsStreamStopped(id)
}

// onStreamStatus is the supervisor's status hook: persistence
// writeback, metrics, MQTT, and the error-state alert.
func (e *Engine) onStreamStatus(streamID string, status model.StreamStatus, lastError string) {
	base := baseStreamID(streamID)
	if id, err := strconv.Atoi(base); err == nil {
		if uerr := e.store.UpdateStreamStatus(id, status, lastError); uerr != nil {
			engineLogger.Warn("status writeback failed", "stream_id", base, "error", uerr)
		}
	}

	if e.metrics != nil {
		switch status {
		case model.StatusStarting:
			e.metrics.Encoder.StreamStarts.Inc()
		case model.StatusRestarting:
			e.metrics.Encoder.Restarts.Inc()
		case model.StatusError:
			e.metrics.Encoder.Errors.Inc()
		}
		// The hook may fire from supervisor internals; sample the gauge
		// off the hot path.
		go e.metrics.Encoder.ActiveStreams.Set(float64(e.supervisor.RunningCount()))
	}

	if e.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.publisher.PublishStreamStatus(ctx, base, status, lastError)
	}
	if status == model.StatusError {
		e.notifier.StreamError(base, lastError)
	}
}

// onRecovery is the watchdog's recovery hook.
func (e *Engine) onRecovery(streamID, destinationName string, attempt int) {
	if e.metrics != nil {
		e.metrics.Watchdog.Recoveries.Inc()
	}
	e.notifier.WatchdogRecovery(streamID, destinationName, attempt)
}

// publishPositions samples every active timeline's playhead and pushes
// it to the broker.
func (e *Engine) publishPositions(ctx context.Context) {
	ticker := time.NewTicker(positionPublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.mqttClient.IsConnected() {
				continue
			}
			for _, id := range e.executor.ActiveTimelines() {
				if pos, ok := e.executor.Position(id); ok {
					e.publisher.PublishPosition(ctx, pos)
				}
			}
		}
	}
}

// watchdogBridge adapts the executor's notifier interface onto the
// watchdog manager, which does not exist yet when the executor is
// built.
type watchdogBridge struct {
	e *Engine
}

func (b *watchdogBridge) StreamStarted(streamID string, destinationIDs []int) {
	b.e.watchdog.NotifyStreamStarted(streamID, destinationIDs)
}

func (b *watchdogBridge) StreamStopped(streamID string) {
	b.e.watchdog.NotifyStreamStopped(streamID)
}
