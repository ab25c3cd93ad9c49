// Package depotschedule implements the Periodic Scheduler:
// a minute-granularity tick that decides whether a depot scan is due
// and, if so, starts one.
package depotschedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lancache/cachectl-core/pkg/appstate"
	"github.com/lancache/cachectl-core/pkg/corelog"
	"github.com/lancache/cachectl-core/pkg/coreerrors"
	"github.com/lancache/cachectl-core/pkg/pushbus"
)

// tickInterval is the scheduler's own polling granularity; the
// decision of whether a scan is actually due is driven by
// AppState.Scheduling, not by this constant.
const tickInterval = time.Minute

// Starter is the subset of the depot engine the scheduler drives.
// Kept as an interface so the scheduler can be tested without a real
// catalog connection.
type Starter interface {
	Start(mode appstate.CrawlMode) (string, error)
	CheckViability(ctx context.Context) (needFull bool, err error)
}

// Scheduler decides, once a minute, whether the configured crawl
// interval has elapsed and if so starts a depot scan.
type Scheduler struct {
	store  *appstate.Store
	engine Starter
	bus    *pushbus.Bus

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// New builds a scheduler.
func New(store *appstate.Store, engine Starter, bus *pushbus.Bus) *Scheduler {
	return &Scheduler{store: store, engine: engine, bus: bus, now: time.Now}
}

// Start launches the tick loop. Stop must be called to release it.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.run()
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// tick decides whether a scan is due and starts it. An overdue scan
// discovered right after startup is deliberately NOT run immediately;
// it simply waits for the next regular tick, so a restart never causes
// a login storm.
func (s *Scheduler) tick() {
	st := s.store.Get()
	sched := st.Scheduling

	if sched.CrawlIntervalHours <= 0 {
		return // interval 0 disables the scheduler entirely
	}

	if sched.LastPICSCrawlUTC != nil {
		elapsed := s.now().Sub(*sched.LastPICSCrawlUTC)
		if elapsed < time.Duration(sched.CrawlIntervalHours*float64(time.Hour)) {
			return
		}
	}

	log := corelog.WithComponent("depotschedule")

	switch sched.CrawlMode {
	case appstate.CrawlArtifact:
		s.startScan(appstate.CrawlArtifact)
	case appstate.CrawlFull:
		s.startScan(appstate.CrawlFull)
	default:
		needFull, err := s.engine.CheckViability(context.Background())
		if err != nil {
			log.Error().Err(err).Msg("viability check failed; skipping this tick")
			return
		}
		if needFull {
			s.bus.Publish(pushbus.Event{
				Kind:  pushbus.KindAutomaticScanSkipped,
				Group: pushbus.GroupAuthenticated,
				Payload: map[string]any{
					"reason": "incremental change gap exceeds budget; manual full scan required",
				},
			})
			log.Info().Msg("automatic incremental scan skipped: requires full scan")
			return
		}
		s.startScan(appstate.CrawlIncremental)
	}
}

func (s *Scheduler) startScan(mode appstate.CrawlMode) {
	log := corelog.WithComponent("depotschedule")

	if _, err := s.engine.Start(mode); err != nil {
		if errors.Is(err, coreerrors.ErrConflictRunning) {
			log.Debug().Msg("scan already running; skipping this tick")
			return
		}
		log.Error().Err(err).Msg("failed to start scheduled scan")
		return
	}

	now := s.now()
	if err := s.store.Update(func(st *appstate.AppState) {
		st.Scheduling.LastPICSCrawlUTC = &now
	}); err != nil {
		log.Error().Err(err).Msg("failed to persist last crawl time")
	}
}
