// Package supervisor runs execution units for queued runs behind a bounded
// pool of slots, watches their liveness, and marks runs whose unit died.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/cairn/internal/dispatch"
	"github.com/ShayCichocki/cairn/internal/logger"
	"github.com/ShayCichocki/cairn/internal/store"
	"github.com/ShayCichocki/cairn/pkg/models"
)

// maxSlots bounds Resize.
const maxSlots = 1024

// ErrActive is returned by Kickoff when the run already has a live unit.
var ErrActive = errors.New("run already has an active unit")

// Composer performs one composition pass over a composite run.
type Composer interface {
	Compose(ctx context.Context, runID string) (models.Status, error)
}

// Options configures a Supervisor.
type Options struct {
	Slots        int
	PollInterval time.Duration
	// UnitTimeout kills units that run longer. Zero disables it.
	UnitTimeout time.Duration
	Spawner     Spawner
	Composer    Composer
	Metrics     *Metrics
	// Wake, when set, triggers a scheduling pass on receive.
	Wake <-chan struct{}
}

type activeUnit struct {
	unit    Unit
	started time.Time
	// killed is set once the unit was told to terminate. Guarded by mu.
	killed bool
}

// Supervisor schedules runs onto execution units.
type Supervisor struct {
	store store.Store
	opts  Options
	log   *slog.Logger

	// sem has maxSlots permits; the ones not in use as slots are held in
	// reserve so the pool can be resized.
	sem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu        sync.Mutex
	slots     int
	active    map[string]*activeUnit
	composing map[string]bool
}

// New creates a Supervisor.
func New(s store.Store, opts Options) *Supervisor {
	if opts.Slots < 1 {
		opts.Slots = 1
	}
	if opts.Slots > maxSlots {
		opts.Slots = maxSlots
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sup := &Supervisor{
		store:     s,
		opts:      opts,
		log:       logger.With("component", "supervisor"),
		sem:       semaphore.NewWeighted(maxSlots),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		slots:     opts.Slots,
		active:    make(map[string]*activeUnit),
		composing: make(map[string]bool),
	}
	// Hold the reserve.
	_ = sup.sem.Acquire(context.Background(), int64(maxSlots-opts.Slots))
	opts.Metrics.slots.Set(float64(opts.Slots))
	return sup
}

// Enqueue asks for runID to be scheduled. Queued runs start FIFO by
// creation time as slots free up; composite runs in SubtasksRunning get a
// composition pass.
func (s *Supervisor) Enqueue(runID string) {
	s.log.Debug("[supervisor] enqueue", "run_id", runID)
	s.signal()
}

func (s *Supervisor) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Kickoff starts a unit for runID now, without waiting for a free slot.
func (s *Supervisor) Kickoff(runID string) error {
	return s.launch(runID, false)
}

// Cancel moves the run to Cancelled and terminates its unit, if any.
func (s *Supervisor) Cancel(ctx context.Context, runID, reason string) error {
	if err := store.Cancel(ctx, s.store, runID, reason); err != nil {
		return err
	}
	s.terminate(runID)
	return nil
}

// terminate kills the unit of runID once.
func (s *Supervisor) terminate(runID string) {
	s.mu.Lock()
	a := s.active[runID]
	if a == nil || a.killed {
		s.mu.Unlock()
		return
	}
	a.killed = true
	s.mu.Unlock()

	s.log.Info("[supervisor] terminating unit", "run_id", runID)
	if err := a.unit.Kill(); err != nil {
		s.log.Warn("[supervisor] kill failed", "run_id", runID, "error", err)
	}
}

// terminateCancelled kills units whose run was cancelled by another
// process, such as the CLI writing to the shared store.
func (s *Supervisor) terminateCancelled(ctx context.Context) error {
	for _, id := range s.Active() {
		run, err := s.store.GetRun(ctx, id)
		if err != nil {
			return fmt.Errorf("check active run %s: %w", id, err)
		}
		if run.Status == models.StatusCancelled {
			s.terminate(id)
		}
	}
	return nil
}

// Resize changes the number of slots. Running units are not interrupted;
// shrinking takes effect as they finish.
func (s *Supervisor) Resize(slots int) {
	if slots < 1 {
		slots = 1
	}
	if slots > maxSlots {
		slots = maxSlots
	}
	s.mu.Lock()
	delta := slots - s.slots
	s.slots = slots
	s.mu.Unlock()

	switch {
	case delta > 0:
		s.sem.Release(int64(delta))
	case delta < 0:
		go func() {
			_ = s.sem.Acquire(s.ctx, int64(-delta))
		}()
	}
	s.opts.Metrics.slots.Set(float64(slots))
	s.log.Info("[supervisor] resized", "slots", slots)
	s.signal()
}

// Active returns the ids of runs with a live unit.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Run recovers orphaned runs, then schedules until ctx is cancelled. On
// return every unit has exited.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.shutdown()

	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.log.Info("[supervisor] started", "slots", s.opts.Slots)
	for {
		if err := s.schedule(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("[supervisor] schedule failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-s.opts.Wake:
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) shutdown() {
	s.cancel()
	s.mu.Lock()
	for _, a := range s.active {
		_ = a.unit.Kill()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("[supervisor] stopped")
}

// schedule stops units of cancelled runs, starts units for queued runs
// while slots are free, and runs a composition pass for composites whose
// children are running.
func (s *Supervisor) schedule(ctx context.Context) error {
	if err := s.terminateCancelled(ctx); err != nil {
		return err
	}
	for run, err := range s.store.ListRuns(ctx, store.RunFilter{Statuses: []models.Status{models.StatusQueued}}) {
		if err != nil {
			return err
		}
		if s.isActive(run.ID) {
			continue
		}
		if !s.sem.TryAcquire(1) {
			break
		}
		err := s.launch(run.ID, true)
		switch {
		case errors.Is(err, store.ErrInvalidTransition):
			s.log.Debug("[supervisor] run moved before launch", "run_id", run.ID)
		case err != nil:
			s.log.Warn("[supervisor] launch failed", "run_id", run.ID, "error", err)
		}
	}

	if s.opts.Composer == nil {
		return nil
	}
	for run, err := range s.store.ListRuns(ctx, store.RunFilter{Statuses: []models.Status{models.StatusSubtasksRunning}}) {
		if err != nil {
			return err
		}
		s.compose(run.ID)
	}
	return nil
}

func (s *Supervisor) isActive(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[runID]
	return ok
}

// launch spawns a unit for a Queued run. slot reports whether a slot
// permit is held for it. The status is re-read under the lock that guards
// the active set, so a unit that already finished is not started twice.
func (s *Supervisor) launch(runID string, slot bool) error {
	release := func() {
		if slot {
			s.sem.Release(1)
		}
	}

	s.mu.Lock()
	if _, ok := s.active[runID]; ok {
		s.mu.Unlock()
		release()
		return fmt.Errorf("%w: %s", ErrActive, runID)
	}
	run, err := s.store.GetRun(s.ctx, runID)
	if err == nil && run.Status != models.StatusQueued {
		err = fmt.Errorf("%w: run %s is %s", store.ErrInvalidTransition, runID, run.Status)
	}
	if err != nil {
		s.mu.Unlock()
		release()
		return err
	}
	unitCtx, cancel := s.unitContext()
	unit, err := s.opts.Spawner.Spawn(unitCtx, runID)
	if err != nil {
		s.mu.Unlock()
		cancel()
		release()
		s.markCrashed(s.ctx, runID, fmt.Sprintf("spawn failed: %v", err), -1)
		return err
	}
	a := &activeUnit{unit: unit, started: time.Now()}
	s.active[runID] = a
	s.mu.Unlock()

	s.opts.Metrics.unitsStarted.Inc()
	s.opts.Metrics.activeUnits.Inc()
	s.log.Info("[supervisor] unit started", "run_id", runID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := unit.Wait()
		timedOut := errors.Is(unitCtx.Err(), context.DeadlineExceeded)
		cancel()

		s.mu.Lock()
		delete(s.active, runID)
		s.mu.Unlock()
		release()
		s.opts.Metrics.activeUnits.Dec()
		s.opts.Metrics.unitDuration.Observe(time.Since(a.started).Seconds())

		s.reap(runID, err, timedOut)
		s.signal()
	}()
	return nil
}

func (s *Supervisor) unitContext() (context.Context, context.CancelFunc) {
	if s.opts.UnitTimeout > 0 {
		return context.WithTimeout(s.ctx, s.opts.UnitTimeout)
	}
	return context.WithCancel(s.ctx)
}

// reap handles a unit exit. A clean exit trusts the store.
func (s *Supervisor) reap(runID string, err error, timedOut bool) {
	if err == nil || errors.Is(err, dispatch.ErrClaimLost) {
		s.opts.Metrics.unitExits.WithLabelValues("clean").Inc()
		s.log.Info("[supervisor] unit exited", "run_id", runID)
		return
	}
	s.opts.Metrics.unitExits.WithLabelValues("abnormal").Inc()

	reason := fmt.Sprintf("execution unit exited abnormally: %v", err)
	if timedOut {
		reason = fmt.Sprintf("execution unit timed out after %s", s.opts.UnitTimeout)
	}
	s.log.Warn("[supervisor] unit exited abnormally", "run_id", runID, "error", err, "timed_out", timedOut)
	// Use a fresh context: the run must be marked even during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.markCrashed(ctx, runID, reason, ExitCode(err))
}

// compose runs one composition pass for runID unless one is in flight.
func (s *Supervisor) compose(runID string) {
	s.mu.Lock()
	if s.composing[runID] {
		s.mu.Unlock()
		return
	}
	s.composing[runID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.composing, runID)
			s.mu.Unlock()
		}()
		status, err := s.opts.Composer.Compose(s.ctx, runID)
		if err != nil {
			s.log.Warn("[supervisor] composition failed", "run_id", runID, "error", err)
			s.opts.Metrics.compositions.WithLabelValues("error").Inc()
			return
		}
		s.opts.Metrics.compositions.WithLabelValues(string(status)).Inc()
		if status != models.StatusSubtasksRunning {
			s.log.Info("[supervisor] composite settled", "run_id", runID, "status", status)
		}
	}()
}
