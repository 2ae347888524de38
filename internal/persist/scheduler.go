package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"collabtext/realtime/internal/metrics"
)

// DefaultDebounce is the quiet period before a scheduled save fires.
const DefaultDebounce = 5 * time.Second

const defaultSaveTimeout = 10 * time.Second

// Source supplies the current full state of a loaded document.
type Source interface {
	Snapshot(documentID string) ([]byte, bool)
}

// SchedulerOptions configures a Scheduler. Zero values take defaults.
type SchedulerOptions struct {
	Debounce    time.Duration
	SaveTimeout time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Scheduler debounces and forces snapshot saves per document.
type Scheduler struct {
	store   StateStore
	source  Source
	clock   clock.Clock
	delay   time.Duration
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	timer     *clock.Timer
	gen       uint64
	lastSaved time.Time
	// saveMu orders saves of one document so an older snapshot never
	// overwrites a newer one.
	saveMu sync.Mutex
}

func NewScheduler(store StateStore, source Source, opts SchedulerOptions) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = defaultSaveTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	return &Scheduler{
		store:   store,
		source:  source,
		clock:   opts.Clock,
		delay:   opts.Debounce,
		timeout: opts.SaveTimeout,
		log:     opts.Logger.Named("persist"),
		metrics: opts.Metrics,
		entries: make(map[string]*entry),
	}
}

func (s *Scheduler) entryLocked(documentID string) *entry {
	e, ok := s.entries[documentID]
	if !ok {
		e = &entry{}
		s.entries[documentID] = e
	}
	return e
}

// Schedule arms the debounce timer for documentID, pushing back the deadline
// of a timer that is already pending.
func (s *Scheduler) Schedule(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(documentID)
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = s.clock.AfterFunc(s.delay, func() {
		s.fire(documentID, e, gen)
	})
}

func (s *Scheduler) fire(documentID string, e *entry, gen uint64) {
	s.mu.Lock()
	if s.entries[documentID] != e || e.gen != gen {
		s.mu.Unlock()
		return
	}
	e.timer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	// Failures are logged inside save; the next edit re-arms the timer.
	_ = s.save(ctx, documentID, e, "debounce")
}

// Pending reports whether a debounced save is armed for documentID.
func (s *Scheduler) Pending(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[documentID]
	return ok && e.timer != nil
}

// ForceSave cancels any pending timer and saves documentID now.
func (s *Scheduler) ForceSave(ctx context.Context, documentID string) error {
	s.mu.Lock()
	e := s.entryLocked(documentID)
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	s.mu.Unlock()
	return s.save(ctx, documentID, e, "force")
}

// SaveAll force-saves every listed document concurrently. Each save succeeds
// or fails on its own; the failures are combined into the returned error.
func (s *Scheduler) SaveAll(ctx context.Context, documentIDs []string) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, id := range documentIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.ForceSave(ctx, id); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errs
}

func (s *Scheduler) save(ctx context.Context, documentID string, e *entry, trigger string) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	state, ok := s.source.Snapshot(documentID)
	if !ok {
		return nil
	}
	if err := s.store.SaveState(ctx, documentID, state); err != nil {
		s.metrics.Saves.WithLabelValues(trigger, "error").Inc()
		s.log.Error("save failed",
			zap.String("document", documentID),
			zap.String("trigger", trigger),
			zap.Error(err))
		return fmt.Errorf("%w: save %s: %v", ErrUnavailable, documentID, err)
	}
	s.metrics.Saves.WithLabelValues(trigger, "ok").Inc()

	now := s.clock.Now()
	s.mu.Lock()
	e.lastSaved = now
	s.mu.Unlock()
	s.log.Debug("saved",
		zap.String("document", documentID),
		zap.String("trigger", trigger),
		zap.Int("bytes", len(state)))
	return nil
}

// LastSaved returns when documentID was last saved successfully.
func (s *Scheduler) LastSaved(documentID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[documentID]
	if !ok || e.lastSaved.IsZero() {
		return time.Time{}, false
	}
	return e.lastSaved, true
}

// Release stops the timer of documentID and forgets it.
func (s *Scheduler) Release(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[documentID]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, documentID)
	}
}

// Stop cancels every pending timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
	}
}
