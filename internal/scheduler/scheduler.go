// Package scheduler runs the periodic maintenance jobs: subscription expiry
// notices, request timeout enforcement, cache warming, and token sweeps.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/haven/backend/internal/events"
	"github.com/haven/backend/internal/metrics"
	"github.com/haven/backend/internal/store"
)

const source = "/scheduler"

// noticeSteps are the days-before-expiry marks at which a group is warned.
// Zero is the day of expiry itself.
var noticeSteps = []int{7, 3, 1, 0}

// Job is one periodic task.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler drives a fixed set of jobs, each on its own ticker. Jobs run
// once at start and then on every tick.
type Scheduler struct {
	store  store.Store
	bus    events.Emitter
	logger *log.Logger

	jobs []Job
	stop chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	notified map[string]bool // expiry notices already sent

	now func() time.Time
}

func New(st store.Store, bus events.Emitter) *Scheduler {
	return &Scheduler{
		store:    st,
		bus:      bus,
		logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		stop:     make(chan struct{}),
		notified: make(map[string]bool),
		now:      time.Now,
	}
}

// Add registers a job; call before Start.
func (s *Scheduler) Add(name string, every time.Duration, run func(ctx context.Context) error) {
	s.jobs = append(s.jobs, Job{Name: name, Every: every, Run: run})
}

// Start launches every registered job.
func (s *Scheduler) Start() {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(j)
	}
	s.logger.Printf("started %d jobs", len(s.jobs))
}

// Stop halts all jobs and waits for in-flight runs.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) loop(j Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.Every)
	defer ticker.Stop()

	s.runOne(j)
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runOne(j)
		}
	}
}

func (s *Scheduler) runOne(j Job) {
	ctx, cancel := context.WithTimeout(context.Background(), j.Every)
	defer cancel()
	if err := j.Run(ctx); err != nil {
		metrics.SchedulerRuns.WithLabelValues(j.Name, "error").Inc()
		s.logger.Printf("job %s: %v", j.Name, err)
		return
	}
	metrics.SchedulerRuns.WithLabelValues(j.Name, "ok").Inc()
}

// ExpiryNotices warns groups approaching subscription expiry at the 7, 3,
// and 1 day marks and on the day itself. Each (group, expiry, step) fires
// once; an extension resets the slate because the expiry changes.
func (s *Scheduler) ExpiryNotices(ctx context.Context) error {
	now := s.now()
	groups, err := s.store.GroupsExpiringBefore(ctx, now.Add(time.Duration(noticeSteps[0])*24*time.Hour))
	if err != nil {
		return err
	}

	for _, g := range groups {
		if g.SubscriptionExpiresAt == nil {
			continue
		}
		left := g.SubscriptionExpiresAt.Sub(now)
		if left < 0 {
			continue // grace handling belongs to dispatch, not notices
		}
		daysLeft := int(left / (24 * time.Hour))

		step := -1
		for _, mark := range noticeSteps {
			if daysLeft <= mark {
				step = mark
			}
		}
		if step < 0 {
			continue
		}

		key := fmt.Sprintf("%s|%d|%d", g.ID, g.SubscriptionExpiresAt.Unix(), step)
		s.mu.Lock()
		sent := s.notified[key]
		if !sent {
			s.notified[key] = true
		}
		s.mu.Unlock()
		if sent {
			continue
		}

		s.bus.Emit(events.TypeSubscriptionExpiry, source, g.ID, map[string]interface{}{
			"group_id":   g.ID,
			"expires_at": g.SubscriptionExpiresAt.Format(time.RFC3339),
			"days_left":  daysLeft,
		})
	}
	return nil
}
