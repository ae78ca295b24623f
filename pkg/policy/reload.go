package policy

import (
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/vnykmshr/admit/pkg/metrics"
)

// Reloader keeps a Resolver supplied with fresh snapshots. It reloads on a
// cron schedule and, optionally, whenever the policy file changes on disk.
// A failed reload is logged and the resolver keeps serving the last good
// snapshot.
type Reloader struct {
	loader   *Loader
	resolver *Resolver
	logger   *slog.Logger
	metrics  *metrics.Registry
	cron     *cron.Cron

	// OnReload, when set, observes each reload attempt (nil err on success).
	OnReload func(err error)
}

// NewReloader creates a reloader feeding resolver from loader.
func NewReloader(loader *Loader, resolver *Resolver, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		loader:   loader,
		resolver: resolver,
		logger:   logger,
		metrics:  metrics.DefaultRegistry,
	}
}

// WithMetrics directs reload counters at a custom registry.
func (r *Reloader) WithMetrics(m *metrics.Registry) *Reloader {
	r.metrics = m
	return r
}

// Start schedules periodic reloads, e.g. "@every 30s".
func (r *Reloader) Start(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, r.Reload); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	return nil
}

// WatchFile additionally reloads whenever the policy file changes.
// The underlying file watcher runs until process exit.
func (r *Reloader) WatchFile() {
	r.loader.Watch(func(s *Snapshot, err error) {
		r.apply(s, err)
	})
}

// Reload loads the policy file once and swaps the snapshot on success.
func (r *Reloader) Reload() {
	r.apply(r.loader.Load())
}

// Stop halts scheduled reloads and waits for a running reload to finish.
func (r *Reloader) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
		r.cron = nil
	}
}

func (r *Reloader) apply(s *Snapshot, err error) {
	if r.OnReload != nil {
		r.OnReload(err)
	}
	if err != nil {
		// Keep the last good snapshot; a bad reload must never take the
		// engine down.
		r.metrics.PolicyReloads.WithLabelValues("rejected").Inc()
		r.logger.Error("policy reload rejected, keeping previous snapshot", "error", err)
		return
	}
	r.metrics.PolicyReloads.WithLabelValues("applied").Inc()
	r.resolver.Swap(s)
	r.logger.Info("policy snapshot reloaded",
		"endpoints", len(s.Endpoints),
		"tiers", len(s.Tiers),
		"exempt_users", len(s.ExemptUsers),
		"exempt_nets", len(s.ExemptNets))
}
