package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
	"github.com/hugo-lorenzo-mato/fleetdiag/internal/metrics"
)

// HeartbeatOptions configures liveness reporting and the adaptive poll.
type HeartbeatOptions struct {
	// Interval is how often this instance writes its heartbeat.
	Interval time.Duration
	// Lifetime is how long a heartbeat stays valid after it is written.
	Lifetime time.Duration
	// SweepInterval is how often expired heartbeats are deleted.
	SweepInterval time.Duration

	PollMin    time.Duration
	PollMax    time.Duration
	PollJitter time.Duration
}

// DefaultHeartbeatOptions returns the default heartbeat configuration.
func DefaultHeartbeatOptions() HeartbeatOptions {
	return HeartbeatOptions{
		Interval:      time.Minute,
		Lifetime:      5 * time.Minute,
		SweepInterval: 10 * time.Minute,
		PollMin:       30 * time.Second,
		PollMax:       180 * time.Second,
		PollJitter:    5 * time.Second,
	}
}

// HeartbeatRegistry publishes this instance's liveness and reads the
// fleet's.
type HeartbeatRegistry struct {
	store    core.Store
	instance string
	opts     HeartbeatOptions
	clock    core.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewHeartbeatRegistry creates a registry for instance.
func NewHeartbeatRegistry(store core.Store, instance string, opts HeartbeatOptions, clock core.Clock, logger *slog.Logger, m *metrics.Metrics) *HeartbeatRegistry {
	def := DefaultHeartbeatOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = def.Lifetime
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.PollMin <= 0 {
		opts.PollMin = def.PollMin
	}
	if opts.PollMax < opts.PollMin {
		opts.PollMax = opts.PollMin
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatRegistry{store: store, instance: instance, opts: opts, clock: clock, logger: logger, metrics: m}
}

// Lifetime is how long a heartbeat stays valid.
func (h *HeartbeatRegistry) Lifetime() time.Duration { return h.opts.Lifetime }

// SendHeartBeat overwrites this instance's heartbeat with a fresh expiry.
func (h *HeartbeatRegistry) SendHeartBeat(ctx context.Context) error {
	hb := core.HeartBeat{
		Instance:       h.instance,
		ExpirationTime: h.clock.Now().UTC().Add(h.opts.Lifetime),
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	if err := h.store.Write(ctx, core.HeartBeatPath(h.instance), data); err != nil {
		return fmt.Errorf("writing heartbeat: %w", err)
	}
	return nil
}

// heartbeats reads every heartbeat document. Unreadable ones are skipped.
func (h *HeartbeatRegistry) heartbeats(ctx context.Context) ([]core.HeartBeat, []string, error) {
	objects, err := h.store.List(ctx, core.HeartBeatsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("listing heartbeats: %w", err)
	}
	beats := make([]core.HeartBeat, 0, len(objects))
	paths := make([]string, 0, len(objects))
	for _, obj := range objects {
		data, err := h.store.Read(ctx, obj.Path)
		if err != nil {
			if !errors.Is(err, core.ErrObjectNotFound) {
				h.logger.Warn("heartbeat: read failed", "path", obj.Path, "error", err)
			}
			continue
		}
		var hb core.HeartBeat
		if err := json.Unmarshal(data, &hb); err != nil {
			h.logger.Warn("heartbeat: corrupt document", "path", obj.Path, "error", err)
			continue
		}
		if hb.Instance == "" {
			hb.Instance = path.Base(obj.Path)
		}
		beats = append(beats, hb)
		paths = append(paths, obj.Path)
	}
	return beats, paths, nil
}

// liveSet returns the lower-cased names of instances with an unexpired
// heartbeat, without the self fallback.
func (h *HeartbeatRegistry) liveSet(ctx context.Context) (map[string]string, error) {
	beats, _, err := h.heartbeats(ctx)
	if err != nil {
		return nil, err
	}
	now := h.clock.Now()
	live := make(map[string]string, len(beats))
	for _, hb := range beats {
		if hb.IsAlive(now) {
			live[strings.ToLower(hb.Instance)] = hb.Instance
		}
	}
	return live, nil
}

// GetLiveInstances lists instances with an unexpired heartbeat. When none
// are alive it reports this instance alone, so the count is never zero.
func (h *HeartbeatRegistry) GetLiveInstances(ctx context.Context) ([]string, error) {
	live, err := h.liveSet(ctx)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return []string{h.instance}, nil
	}
	names := make([]string, 0, len(live))
	for _, n := range live {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// LiveInstanceCount is len(GetLiveInstances).
func (h *HeartbeatRegistry) LiveInstanceCount(ctx context.Context) (int, error) {
	names, err := h.GetLiveInstances(ctx)
	if err != nil {
		return 0, err
	}
	h.metrics.SetLiveInstances(len(names))
	return len(names), nil
}

// DeleteExpiredHeartBeats removes heartbeats that have expired and returns
// how many were deleted.
func (h *HeartbeatRegistry) DeleteExpiredHeartBeats(ctx context.Context) (int, error) {
	beats, paths, err := h.heartbeats(ctx)
	if err != nil {
		return 0, err
	}
	now := h.clock.Now()
	deleted := 0
	for i, hb := range beats {
		if hb.IsAlive(now) {
			continue
		}
		if err := h.store.Delete(ctx, paths[i]); err != nil {
			h.logger.Warn("heartbeat: delete failed", "path", paths[i], "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		h.logger.Info("heartbeat: expired heartbeats removed", "count", deleted)
	}
	return deleted, nil
}

// PollInterval scales the session poll with fleet size: 30s for every ten
// live instances, clamped to [lo, hi].
func PollInterval(count int, lo, hi time.Duration) time.Duration {
	d := time.Duration(count/10) * 30 * time.Second
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// NextPoll is the jittered wait before the next session poll.
func (h *HeartbeatRegistry) NextPoll(ctx context.Context) time.Duration {
	count, err := h.LiveInstanceCount(ctx)
	if err != nil {
		h.logger.Warn("heartbeat: counting live instances", "error", err)
		count = 1
	}
	d := PollInterval(count, h.opts.PollMin, h.opts.PollMax)
	if h.opts.PollJitter > 0 {
		// #nosec G404 -- scheduling jitter, not security sensitive
		d += time.Duration(rand.Int63n(int64(h.opts.PollJitter)))
	}
	return d
}

// Run writes heartbeats and sweeps expired ones until ctx is done.
func (h *HeartbeatRegistry) Run(ctx context.Context) error {
	beat := time.NewTicker(h.opts.Interval)
	defer beat.Stop()
	sweep := time.NewTicker(h.opts.SweepInterval)
	defer sweep.Stop()

	h.send(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-beat.C:
			h.send(ctx)
		case <-sweep.C:
			if _, err := h.DeleteExpiredHeartBeats(ctx); err != nil {
				h.logger.Warn("heartbeat: sweep failed", "error", err)
			}
		}
	}
}

func (h *HeartbeatRegistry) send(ctx context.Context) {
	if err := h.SendHeartBeat(ctx); err != nil {
		h.logger.Warn("failed to write heartbeat", "instance", h.instance, "error", err)
	}
}
