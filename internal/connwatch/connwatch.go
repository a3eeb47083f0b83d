// Package connwatch keeps an eye on services the bridge depends on but
// does not own, such as the model backend. A dead tool server ends its
// session; a model backend that is briefly unreachable should not, so
// it is probed in the background and its state reported on the health
// endpoint instead.
//
// A watcher probes with exponential backoff until the service first
// answers (or the retries run out), then polls at a fixed interval and
// logs every transition.
package connwatch

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// ProbeFunc returns nil when the service is reachable.
type ProbeFunc func(ctx context.Context) error

// Backoff is the probe schedule.
type Backoff struct {
	Initial    time.Duration // first retry delay
	Max        time.Duration // delay ceiling
	Multiplier float64
	Retries    int // startup attempts before switching to polling

	Poll         time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoff retries at 2s, 4s, 8s ... up to 60s, ten times, then
// polls every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:      2 * time.Second,
		Max:          time.Minute,
		Multiplier:   2,
		Retries:      10,
		Poll:         time.Minute,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Retries <= 0 {
		b.Retries = d.Retries
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Config describes one watched service.
type Config struct {
	Name    string
	Probe   ProbeFunc
	Backoff Backoff

	// OnChange runs after every ready/down transition, on the watcher's
	// goroutine. err is nil when the service became ready.
	OnChange func(ready bool, err error)

	Logger *slog.Logger
}

// Status is a service's state as shown on the health endpoint.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one service until stopped.
type Watcher struct {
	cfg    Config
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	lastCheck time.Time
	lastErr   error
}

// Status returns the latest probe outcome.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Name: w.cfg.Name, Ready: w.ready, LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Stop ends the watcher and waits for it.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.cfg.Backoff

	delay := b.Initial
	for attempt := 1; ; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.log.Debug("startup probe succeeded", "attempts", attempt)
			break
		}
		if attempt >= b.Retries {
			w.log.Warn("service unreachable, polling in background", "attempts", attempt, "error", err)
			break
		}
		w.log.Debug("probe failed, retrying", "attempt", attempt, "next_delay", delay, "error", err)
		if !sleep(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*b.Multiplier), b.Max)
	}

	ticker := time.NewTicker(b.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once, records the outcome and reports transitions.
func (w *Watcher) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	err := w.cfg.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		// Stopping; the probe was cut short, not the service.
		return ctx.Err()
	}

	w.mu.Lock()
	was := w.ready
	w.ready = err == nil
	w.lastCheck = time.Now()
	w.lastErr = err
	w.mu.Unlock()

	if was == (err == nil) {
		return err
	}
	if err != nil {
		w.log.Warn("service became unreachable", "error", err)
	} else {
		w.log.Info("service ready")
	}
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(err == nil, err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns a set of watchers.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts probing a service in the background until ctx is done or
// Stop is called. Zero Backoff fields take their defaults. A second
// watcher with the same name replaces the first.
func (m *Manager) Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" || cfg.Probe == nil {
		panic("connwatch: Watch needs a Name and a Probe")
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = m.logger
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		log:    logger.With("service", cfg.Name),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(wctx)
	return w
}

// Status reports every watched service by name.
func (m *Manager) Status() map[string]Status {
	m.mu.Lock()
	watchers := maps.Clone(m.watchers)
	m.mu.Unlock()

	out := make(map[string]Status, len(watchers))
	for name, w := range watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop stops every watcher and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := maps.Clone(m.watchers)
	m.mu.Unlock()
	for _, w := range watchers {
		w.Stop()
	}
}
