// Package watch observes an inbox directory and triggers pipeline runs when
// new raw data lands. Bursts of filesystem events are collapsed with a settle
// timer, and a rate limiter keeps runaway producers from queueing runs.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/medvision/pillpipe/internal/log"
	"github.com/medvision/pillpipe/internal/metrics"
)

// Trigger is invoked after the inbox has settled. Errors are logged, not
// fatal; the watcher keeps running.
type Trigger func(ctx context.Context) error

// Options configure a Watcher.
type Options struct {
	// Dir is the inbox directory to observe.
	Dir string

	// Settle is how long the inbox must stay quiet before a trigger fires.
	Settle time.Duration

	// MinInterval is the minimum spacing between triggers. Events arriving
	// faster are dropped and counted.
	MinInterval time.Duration
}

// Watcher drives the inbox loop.
type Watcher struct {
	opts    Options
	trigger Trigger
	limiter *rate.Limiter
}

// New validates opts and builds a Watcher.
func New(opts Options, trigger Trigger) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if opts.Settle <= 0 {
		return nil, fmt.Errorf("settle duration must be positive")
	}
	if trigger == nil {
		return nil, fmt.Errorf("trigger is required")
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = time.Minute
	}
	return &Watcher{
		opts:    opts,
		trigger: trigger,
		limiter: rate.NewLimiter(rate.Every(opts.MinInterval), 1),
	}, nil
}

// Run blocks until ctx is cancelled, firing the trigger after each settled
// burst of inbox activity.
func (w *Watcher) Run(ctx context.Context) error {
	logger := log.WithComponentFromContext(ctx, "watch")

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.opts.Dir, err)
	}

	logger.Info().
		Str("event", "watch.start").
		Str("dir", w.opts.Dir).
		Dur("settle", w.opts.Settle).
		Msg("watching inbox")

	// settle starts stopped; it is armed on the first relevant event
	settle := time.NewTimer(w.opts.Settle)
	if !settle.Stop() {
		<-settle.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watch event channel closed")
			}
			if !relevant(ev) {
				continue
			}
			logger.Debug().
				Str("event", "watch.fs_event").
				Str("op", ev.Op.String()).
				Str("path", ev.Name).
				Msg("inbox activity")
			if pending && !settle.Stop() {
				<-settle.C
			}
			settle.Reset(w.opts.Settle)
			pending = true

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watch error channel closed")
			}
			logger.Warn().Str("event", "watch.fs_error").Err(err).Msg("watch error")

		case <-settle.C:
			pending = false
			if !w.limiter.Allow() {
				metrics.WatchEventDropped()
				logger.Warn().
					Str("event", "watch.throttled").
					Msg("inbox settled but trigger rate limit reached, skipping")
				continue
			}
			metrics.WatchTriggered()
			logger.Info().Str("event", "watch.trigger").Msg("inbox settled, triggering run")
			if err := w.trigger(ctx); err != nil {
				logger.Error().Str("event", "watch.trigger_failed").Err(err).Msg("triggered run failed")
			}
		}
	}
}

// relevant filters the noise: only writes, creates and renames of files in
// the inbox should arm the settle timer.
func relevant(ev fsnotify.Event) bool {
	return ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename)
}
