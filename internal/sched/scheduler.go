package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/willynikes2/GenOS/internal/model"
)

// ErrResourceExhausted is returned when the wait queue for a request's
// priority class is full. It is an explicit backpressure signal: the caller
// may retry later, but nothing was queued or reserved.
var ErrResourceExhausted = errors.New("admission queue full")

// DefaultQueueCapacity bounds each priority class's wait queue.
const DefaultQueueCapacity = 64

// DefaultWaitBudget bounds how long a request may sit in the wait queue
// before it expires.
const DefaultWaitBudget = 5 * time.Minute

// classes orders priority queues for draining, highest first.
var classes = []string{model.PriorityHigh, model.PriorityNormal, model.PriorityLow}

// Decision is the outcome of one admission attempt.
type Decision struct {
	Reservation model.Reservation
	Admitted    bool
	Queued      bool
	Position    int
}

// Grant hands a reservation to a request that waited in the queue.
type Grant struct {
	EnvID       string
	Reservation model.Reservation
}

// Expiry reports a queued request whose wait budget elapsed before capacity
// became available.
type Expiry struct {
	EnvID  string
	Waited time.Duration
}

type queueEntry struct {
	envID      string
	resources  model.Resources
	enqueuedAt time.Time
	deadline   time.Time
}

// Scheduler decides whether, where, and when a validated request receives
// capacity. Requests that fit are admitted immediately via best-fit placement;
// the rest wait in a bounded FIFO queue per priority class and are
// re-evaluated whenever capacity is released. A full class queue rejects with
// ErrResourceExhausted rather than dropping the request silently.
//
// Admission and release are serialized through one mutex so a grant decision
// and the capacity it consumes always move together.
type Scheduler struct {
	pool       *Pool
	logger     *slog.Logger
	queueCap   int
	waitBudget time.Duration

	mu     sync.Mutex
	queues map[string][]queueEntry

	grants   chan Grant
	expiries chan Expiry
	done     chan struct{}
	once     sync.Once
}

// Options tune scheduler behavior. Zero values select defaults.
type Options struct {
	QueueCapacity int
	WaitBudget    time.Duration
	SweepInterval time.Duration
}

// NewScheduler creates a scheduler over the given pool.
func NewScheduler(pool *Pool, logger *slog.Logger, opts Options) *Scheduler {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.WaitBudget <= 0 {
		opts.WaitBudget = DefaultWaitBudget
	}

	s := &Scheduler{
		pool:       pool,
		logger:     logger,
		queueCap:   opts.QueueCapacity,
		waitBudget: opts.WaitBudget,
		queues:     make(map[string][]queueEntry, len(classes)),
		grants:     make(chan Grant, opts.QueueCapacity),
		expiries:   make(chan Expiry, opts.QueueCapacity),
		done:       make(chan struct{}),
	}
	for _, class := range classes {
		s.queues[class] = nil
	}
	return s
}

// Grants delivers reservations granted to formerly queued requests.
func (s *Scheduler) Grants() <-chan Grant { return s.grants }

// Expiries delivers requests whose queue wait budget elapsed.
func (s *Scheduler) Expiries() <-chan Expiry { return s.expiries }

// Close stops grant and expiry delivery. Reservations that can no longer be
// delivered are returned to the pool.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.done) })
}

// Admit attempts to place a validated request. It returns an admitted
// decision carrying a reservation, a queued decision with the request's
// queue position, or ErrResourceExhausted when the class queue is full.
func (s *Scheduler) Admit(envID string, spec model.EnvironmentSpec) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.pool.Reserve(envID, spec.Resources); ok {
		admissionsTotal.WithLabelValues(outcomeAdmitted).Inc()
		return Decision{Reservation: res, Admitted: true}, nil
	}

	class := spec.Priority
	if !model.KnownPriority(class) {
		class = model.PriorityNormal
	}
	q := s.queues[class]
	if len(q) >= s.queueCap {
		admissionsTotal.WithLabelValues(outcomeRejected).Inc()
		s.logger.Warn("admission rejected, queue full", "environment_id", envID, "priority", class)
		return Decision{}, ErrResourceExhausted
	}

	now := time.Now().UTC()
	s.queues[class] = append(q, queueEntry{
		envID:      envID,
		resources:  spec.Resources,
		enqueuedAt: now,
		deadline:   now.Add(s.waitBudget),
	})
	queueDepth.WithLabelValues(class).Set(float64(len(s.queues[class])))
	admissionsTotal.WithLabelValues(outcomeQueued).Inc()
	s.logger.Info("admission queued", "environment_id", envID, "priority", class, "position", len(s.queues[class]))
	return Decision{Queued: true, Position: len(s.queues[class])}, nil
}

// Release frees a reservation and re-evaluates the wait queues against the
// recovered capacity. Queued requests that now fit receive grants.
func (s *Scheduler) Release(reservationID string) bool {
	s.mu.Lock()
	released := s.pool.Release(reservationID)
	var granted []Grant
	if released {
		granted = s.drainLocked()
	}
	s.mu.Unlock()

	s.deliverGrants(granted)
	return released
}

// Forget removes a queued request, for example when the owner terminates an
// environment that never received capacity. It reports whether the request
// was queued.
func (s *Scheduler) Forget(envID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for class, q := range s.queues {
		for i, e := range q {
			if e.envID == envID {
				s.queues[class] = append(q[:i:i], q[i+1:]...)
				queueDepth.WithLabelValues(class).Set(float64(len(s.queues[class])))
				return true
			}
		}
	}
	return false
}

// QueueDepths reports the current wait queue length per priority class.
func (s *Scheduler) QueueDepths() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(classes))
	for _, class := range classes {
		out[class] = len(s.queues[class])
	}
	return out
}

// Hosts returns the pool's per-host utilization snapshot.
func (s *Scheduler) Hosts() []HostUtilization {
	return s.pool.Hosts()
}

// Restore re-applies a persisted reservation to the pool. Recovery calls this
// before any new admission so restarted capacity accounting matches the store.
func (s *Scheduler) Restore(res model.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Restore(res)
}

// Sweep expires queued requests whose wait budget elapsed before now and
// retries placement for the remainder. It returns the number of expired
// requests. The serve loop calls this periodically.
func (s *Scheduler) Sweep(now time.Time) int {
	s.mu.Lock()
	var expired []Expiry
	for class, q := range s.queues {
		kept := q[:0]
		for _, e := range q {
			if !e.deadline.After(now) {
				expired = append(expired, Expiry{EnvID: e.envID, Waited: now.Sub(e.enqueuedAt)})
				continue
			}
			kept = append(kept, e)
		}
		s.queues[class] = kept
		queueDepth.WithLabelValues(class).Set(float64(len(kept)))
	}
	granted := s.drainLocked()
	s.mu.Unlock()

	for _, e := range expired {
		queueWaitSeconds.Observe(e.Waited.Seconds())
		select {
		case s.expiries <- e:
		case <-s.done:
		}
	}
	s.deliverGrants(granted)
	return len(expired)
}

// Run sweeps the wait queues at the given interval until ctx is done. A zero
// interval selects one second.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case t := <-ticker.C:
			s.Sweep(t.UTC())
		}
	}
}

// drainLocked grants queued requests that now fit, scanning classes from the
// highest priority down and respecting FIFO order within each class. A class
// whose head does not fit keeps waiting; lower classes may still use leftover
// capacity.
func (s *Scheduler) drainLocked() []Grant {
	var granted []Grant
	for _, class := range classes {
		q := s.queues[class]
		for len(q) > 0 {
			head := q[0]
			res, ok := s.pool.Reserve(head.envID, head.resources)
			if !ok {
				break
			}
			granted = append(granted, Grant{EnvID: head.envID, Reservation: res})
			queueWaitSeconds.Observe(time.Since(head.enqueuedAt).Seconds())
			q = q[1:]
		}
		s.queues[class] = q
		queueDepth.WithLabelValues(class).Set(float64(len(q)))
	}
	return granted
}

// deliverGrants hands grants to the consumer outside the scheduler lock. If
// the scheduler is closed before a grant is consumed, its reservation is
// returned to the pool so no capacity leaks.
func (s *Scheduler) deliverGrants(granted []Grant) {
	for _, g := range granted {
		select {
		case s.grants <- g:
		case <-s.done:
			s.pool.Release(g.Reservation.ID)
		}
	}
}
