// Package actionqueue implements the persistent, per-peer ordered action
// queue and its scheduler (spec.md §4.4), grounded on the teacher's
// closing-channel/WaitGroup service-loop idiom (core/replication.go
// Start/Stop/readLoop) and ticker-driven periodic signal
// (core/distributed_network_coordination.go).
package actionqueue

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/store"
)

// DefaultConcurrency is the reference concurrency cap (spec.md §4.4: "no
// more than N (reference implementation uses 5)").
const DefaultConcurrency = 5

// ReservationDuration is how far into the future ExecuteAfter is advanced
// when an action is dispatched to a worker (spec.md §4.4 "reservation").
const ReservationDuration = 600 * time.Second

// SchedulerInterval is the periodic scan cadence, independent of the
// event-triggered signal (spec.md §4.4).
const SchedulerInterval = 20 * time.Second

// Outcome is what a worker reports back after executing one action
// (spec.md §4.4 "On worker completion").
type Outcome int

const (
	Success Outcome = iota
	SoftFailure
	HardFailure
)

// Worker executes one dispatched action and reports its Outcome. HardFailure
// additionally means the whole peer (ServerID) should be deleted along with
// its remaining actions, handled by the scheduler after the callback returns.
type Worker func(a *identity.NeighborhoodAction) Outcome

// Scheduler drives the scan → reserve → dispatch → complete cycle described
// in spec.md §4.4.
type Scheduler struct {
	st     *store.Store
	worker Worker
	log    *logrus.Logger

	concurrency int
	sem         chan struct{}

	signal  chan struct{}
	closing chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex // guards inflight bookkeeping only
	running map[int64]bool
}

// New constructs a Scheduler. concurrency <= 0 defaults to
// DefaultConcurrency; log defaults to logrus.StandardLogger() when nil.
func New(st *store.Store, worker Worker, concurrency int, log *logrus.Logger) *Scheduler {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		st:          st,
		worker:      worker,
		log:         log,
		concurrency: concurrency,
		sem:         make(chan struct{}, concurrency),
		signal:      make(chan struct{}, 1),
		closing:     make(chan struct{}),
		running:     make(map[int64]bool),
	}
}

// Start launches the scheduler's service loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop signals shutdown and waits up to 65 s for the service loop and
// in-flight workers to drain; it returns after that even if some workers
// are still running.
func (s *Scheduler) Stop() {
	close(s.closing)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(65 * time.Second):
	}
}

// Signal wakes the scheduler immediately, used on action create/remove
// (spec.md §4.4 "signalled both periodically ... and whenever an action is
// created or removed").
func (s *Scheduler) Signal() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closing:
			return
		case <-ticker.C:
			s.scanAndDispatch()
		case <-s.signal:
			s.scanAndDispatch()
		}
	}
}

// scanAndDispatch reserves ready, unlocked actions one at a time and
// dispatches each to a worker goroutine, until the global concurrency cap
// is reached or no action is ready (spec.md §4.4).
func (s *Scheduler) scanAndDispatch() {
	for {
		select {
		case s.sem <- struct{}{}:
		default:
			return // at concurrency cap
		}

		a, ok := s.reserveNextReady()
		if !ok {
			<-s.sem
			return
		}

		s.wg.Add(1)
		go s.runWorker(a)
	}
}

// reserveNextReady scans the action table ascending by Id, tracking
// profile_locked/server_locked ServerId sets, and reserves (advances
// ExecuteAfter and persists) the first unlocked ready action it finds
// (spec.md §4.4).
func (s *Scheduler) reserveNextReady() (*identity.NeighborhoodAction, bool) {
	actions, err := s.st.ListActionsAscending()
	if err != nil {
		s.log.WithError(err).Error("actionqueue: list actions")
		return nil, false
	}

	now := time.Now()
	profileLocked := make(map[identity.ID]bool)
	serverLocked := make(map[identity.ID]bool)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range actions {
		if s.running[a.ID] {
			s.lockFor(a, profileLocked, serverLocked)
			continue
		}
		locked := s.isLocked(a, profileLocked, serverLocked)
		future := a.ExecuteAfter != nil && a.ExecuteAfter.After(now)

		if locked || future {
			s.lockFor(a, profileLocked, serverLocked)
			continue
		}

		reserved := now.Add(ReservationDuration)
		a.ExecuteAfter = &reserved
		if err := s.st.PutAction(a); err != nil {
			s.log.WithError(err).Error("actionqueue: reserve action")
			return nil, false
		}
		s.running[a.ID] = true
		return a, true
	}
	return nil, false
}

func (s *Scheduler) isLocked(a *identity.NeighborhoodAction, profileLocked, serverLocked map[identity.ID]bool) bool {
	if a.Class() == identity.ProfileClass {
		return profileLocked[a.ServerID]
	}
	return serverLocked[a.ServerID]
}

func (s *Scheduler) lockFor(a *identity.NeighborhoodAction, profileLocked, serverLocked map[identity.ID]bool) {
	if a.Class() == identity.ProfileClass {
		profileLocked[a.ServerID] = true
	} else {
		serverLocked[a.ServerID] = true
	}
}

func (s *Scheduler) runWorker(a *identity.NeighborhoodAction) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	defer s.Signal()

	outcome := s.worker(a)

	s.mu.Lock()
	delete(s.running, a.ID)
	s.mu.Unlock()

	switch outcome {
	case Success:
		if err := s.st.DeleteAction(a.ID); err != nil {
			s.log.WithError(err).Error("actionqueue: delete completed action")
		}
	case SoftFailure:
		// Row stays; its reservation naturally expires and it is retried.
	case HardFailure:
		if err := s.deletePeer(a.ServerID, a.ID); err != nil {
			s.log.WithError(err).Error("actionqueue: hard-failure peer delete")
		}
	}
}

// deletePeer deletes the peer and all its queued actions, deleting the one
// currently executing last (spec.md §4.4 hard-failure handling).
func (s *Scheduler) deletePeer(serverID identity.ID, executingID int64) error {
	if err := s.st.DeleteNeighbor(serverID); err != nil && err != store.ErrNotFound {
		return err
	}
	if err := s.st.DeleteFollower(serverID); err != nil && err != store.ErrNotFound {
		return err
	}
	actions, err := s.st.ListActionsAscending()
	if err != nil {
		return err
	}
	for _, a := range actions {
		if a.ServerID == serverID && a.ID != executingID {
			if err := s.st.DeleteAction(a.ID); err != nil {
				return err
			}
		}
	}
	return s.st.DeleteAction(executingID)
}

// Enqueue assigns a fresh Id to a and persists it, then signals the
// scheduler.
func (s *Scheduler) Enqueue(a *identity.NeighborhoodAction) error {
	id, err := s.st.NextActionID()
	if err != nil {
		return err
	}
	a.ID = id
	a.Timestamp = time.Now()
	if err := s.st.PutAction(a); err != nil {
		return err
	}
	s.Signal()
	return nil
}
