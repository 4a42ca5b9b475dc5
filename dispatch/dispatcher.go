package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcelsud/webhook-relay/ledger"
	"github.com/marcelsud/webhook-relay/routes"
	"github.com/marcelsud/webhook-relay/webhook"
	"golang.org/x/time/rate"
)

// DefaultWorkers bounds concurrent outbound calls
const DefaultWorkers = 16

type Matcher interface {
	Match(source string) []routes.Destination
}

// Recorder is the slice of the delivery ledger the dispatcher writes to
type Recorder interface {
	Record(attempt ledger.Attempt) bool
	Reserve(eventID, destination string) bool
	Release(eventID, destination string)
	Suppress(eventID, destination string)
}

// MetricsSink receives one call per finished attempt and per scheduled retry.
// Implementations must not block.
type MetricsSink interface {
	AttemptCompleted(destination string, outcome ledger.Outcome, duration time.Duration)
	RetryScheduled(destination string)
}

type Config struct {
	Policy  Policy
	Timeout time.Duration
	Workers int
}

// DefaultConfig returns the default retry policy, a 30s call timeout and 16 workers
func DefaultConfig() Config {
	return Config{
		Policy:  DefaultPolicy(),
		Timeout: DefaultTimeout,
		Workers: DefaultWorkers,
	}
}

/* Dispatcher forwards events to every destination their source matches
 * Destinations of one event run concurrently; attempts of one destination run in sequence
 * A worker slot is held only for the duration of an HTTP call, never across backoff waits
 * Canceling the dispatch context stops new attempts; calls already issued run to their own timeout
 */
type Dispatcher struct {
	sender   Sender
	recorder Recorder
	metrics  MetricsSink // optional, nil = disabled
	logger   *slog.Logger
	now      func() time.Time
	sem      chan struct{}

	mu       sync.RWMutex
	matcher  Matcher
	policy   Policy
	timeout  time.Duration
	limiters map[string]*rate.Limiter

	wg sync.WaitGroup
}

func New(matcher Matcher, sender Sender, recorder Recorder, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Dispatcher{
		sender:   sender,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		sem:      make(chan struct{}, cfg.Workers),
		matcher:  matcher,
		policy:   cfg.Policy,
		timeout:  cfg.Timeout,
		limiters: make(map[string]*rate.Limiter),
	}
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithClock replaces the clock used for expiration checks and attempt timestamps
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Reload swaps the matcher, retry policy and call timeout. Dispatches already running keep the old ones.
func (d *Dispatcher) Reload(matcher Matcher, policy Policy, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.matcher = matcher
	d.policy = policy
	d.timeout = timeout
	d.limiters = make(map[string]*rate.Limiter)
}

// Submit dispatches ev in the background. Wait blocks until every submitted event is done.
func (d *Dispatcher) Submit(ctx context.Context, ev webhook.Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Dispatch(ctx, ev)
	}()
}

// Wait blocks until every submitted dispatch returned
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch delivers ev to its destinations and returns once every destination is settled
func (d *Dispatcher) Dispatch(ctx context.Context, ev webhook.Event) {
	d.mu.RLock()
	matcher, policy, timeout := d.matcher, d.policy, d.timeout
	d.mu.RUnlock()

	destinations := matcher.Match(ev.Source)
	logger := d.logger.With("event_id", ev.ID, "source", ev.Source)

	if len(destinations) == 0 {
		logger.Info("dispatch: skipped", "error", fmt.Errorf("source %q: %w", ev.Source, webhook.ErrNoRoute))
		now := d.now()
		d.record(ledger.Attempt{
			EventID:       ev.ID,
			AttemptNumber: 1,
			StartedAt:     now,
			FinishedAt:    now,
			Outcome:       ledger.Skip(ledger.ReasonNoMatchingRule),
		})
		return
	}

	if ev.Expired(d.now()) {
		logger.Warn("dispatch: expired", "timestamp", ev.Timestamp, "error", webhook.ErrExpired)
		now := d.now()
		for _, dest := range destinations {
			d.record(ledger.Attempt{
				EventID:         ev.ID,
				DestinationName: dest.Name,
				AttemptNumber:   1,
				StartedAt:       now,
				FinishedAt:      now,
				Outcome:         ledger.ExpiredOutcome(),
			})
		}
		return
	}

	var wg sync.WaitGroup
	for _, dest := range destinations {
		wg.Add(1)
		go func(dest routes.Destination) {
			defer wg.Done()
			d.deliver(ctx, ev, dest, policy, timeout, logger.With("destination", dest.Name))
		}(dest)
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, ev webhook.Event, dest routes.Destination, policy Policy, timeout time.Duration, logger *slog.Logger) {
	// the first delivery of the pair may still be running; it owns the attempt numbers
	if !d.recorder.Reserve(ev.ID, dest.Name) {
		logger.Info("dispatch: duplicate event, not forwarding", "reason", ledger.ReasonDuplicate)
		d.recorder.Suppress(ev.ID, dest.Name)
		return
	}

	limiter := d.limiterFor(dest)
	req := Request{URL: dest.URL.String(), Event: ev, Timeout: timeout}
	// in-flight calls outlive a disconnect; only their own timeout stops them
	callCtx := context.WithoutCancel(ctx)

	for attempt := 1; attempt <= policy.Attempts(); attempt++ {
		if attempt > 1 {
			wait := policy.Backoff(attempt - 1)
			if d.metrics != nil {
				d.metrics.RetryScheduled(dest.Name)
			}
			logger.Debug("dispatch: retry scheduled", "attempt", attempt, "backoff", wait)
			if err := sleep(ctx, wait); err != nil {
				logger.Info("dispatch: retries stopped", "attempt", attempt, "error", err)
				return
			}
		}

		if err := d.acquire(ctx, limiter); err != nil {
			if attempt == 1 {
				d.recorder.Release(ev.ID, dest.Name)
			}
			logger.Info("dispatch: canceled before attempt", "attempt", attempt, "error", err)
			return
		}

		started := d.now()
		res := d.sender.Send(callCtx, req)
		<-d.sem
		finished := d.now()

		outcome, retry := policy.Classify(res)
		d.record(ledger.Attempt{
			EventID:         ev.ID,
			DestinationName: dest.Name,
			AttemptNumber:   attempt,
			StartedAt:       started,
			FinishedAt:      finished,
			Outcome:         outcome,
		})
		if d.metrics != nil {
			d.metrics.AttemptCompleted(dest.Name, outcome, finished.Sub(started))
		}

		if !retry {
			logger.Info("dispatch: delivered", "attempt", attempt, "status", res.StatusCode, "duration", res.Duration)
			return
		}
		logger.Warn("dispatch: attempt failed", "attempt", attempt, "reason", outcome.Reason)
	}

	logger.Error("dispatch: giving up",
		"attempts", policy.Attempts(),
		"error", fmt.Errorf("%s: %w", dest.Name, webhook.ErrDispatch),
	)
}

// acquire waits for the destination rate limit, then for a worker slot
func (d *Dispatcher) acquire(ctx context.Context, limiter *rate.Limiter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}
	select {
	case d.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) limiterFor(dest routes.Destination) *rate.Limiter {
	if dest.RateLimit <= 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.limiters[dest.Name]; ok && float64(l.Limit()) == dest.RateLimit {
		return l
	}
	burst := int(dest.RateLimit)
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(dest.RateLimit), burst)
	d.limiters[dest.Name] = l
	return l
}

func (d *Dispatcher) record(a ledger.Attempt) {
	if !d.recorder.Record(a) {
		d.logger.Debug("dispatch: attempt already recorded", "event_id", a.EventID, "destination", a.DestinationName, "attempt", a.AttemptNumber)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
