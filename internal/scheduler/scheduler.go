package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"basegraph.co/backfill/internal/model"
)

const (
	DefaultReservePerTask  = 500
	DefaultMaxSubtasks     = 10
	DefaultPoolCoefficient = 10
)

// Quota is the remaining call budget of the two independently refilling
// API pools.
type Quota struct {
	Core    int
	GraphQL int
}

type QuotaChecker interface {
	Quota(ctx context.Context, sub *model.Subscription) (Quota, error)
}

// SyncStateFinder finds repository records with pending work, newest id first.
type SyncStateFinder interface {
	FindPending(ctx context.Context, subscriptionID int64, types []model.TaskType, limit int) ([]model.RepoSyncState, error)
}

// Batch is what one tick should work on. MainTask is nil when the
// subscription has no pending work.
type Batch struct {
	MainTask   *model.Task
	OtherTasks []model.Task
}

func (b Batch) Empty() bool {
	return b.MainTask == nil
}

// Scheduler picks a deterministic main task plus a quota-sized random sample
// of other pending tasks.
type Scheduler struct {
	states          SyncStateFinder
	quota           QuotaChecker
	reservePerTask  int
	maxSubtasks     int
	poolCoefficient int
	securityTasks   bool

	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*Scheduler)

// WithRand makes subtask sampling reproducible.
func WithRand(rng *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = rng }
}

func WithReservePerTask(n int) Option {
	return func(s *Scheduler) { s.reservePerTask = n }
}

func WithMaxSubtasks(n int) Option {
	return func(s *Scheduler) { s.maxSubtasks = n }
}

func WithPoolCoefficient(n int) Option {
	return func(s *Scheduler) { s.poolCoefficient = n }
}

// WithSecurityTasks allows security task types for subscriptions that have
// the security feature enabled.
func WithSecurityTasks(enabled bool) Option {
	return func(s *Scheduler) { s.securityTasks = enabled }
}

func New(states SyncStateFinder, quota QuotaChecker, opts ...Option) *Scheduler {
	s := &Scheduler{
		states:          states,
		quota:           quota,
		reservePerTask:  DefaultReservePerTask,
		maxSubtasks:     DefaultMaxSubtasks,
		poolCoefficient: DefaultPoolCoefficient,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reservePerTask <= 0 {
		s.reservePerTask = DefaultReservePerTask
	}
	if s.poolCoefficient <= 0 {
		s.poolCoefficient = DefaultPoolCoefficient
	}
	if s.maxSubtasks < 0 {
		s.maxSubtasks = 0
	}
	return s
}

// NextTasks returns the tasks the next tick of sub should run. Requested
// narrows the task types; empty means the subscription's targets, or all.
// Calling it twice without intervening writes yields the same MainTask.
func (s *Scheduler) NextTasks(ctx context.Context, sub *model.Subscription, requested []model.TaskType) (Batch, error) {
	if !sub.DiscoveryComplete() {
		task := sub.RepositoryTask()
		return Batch{MainTask: &task}, nil
	}

	types := s.EligibleTypes(sub, requested)
	if len(types) == 0 {
		return Batch{}, nil
	}

	nSubtasks := s.subtaskCount(ctx, sub)

	limit := 1
	if nSubtasks > 0 {
		limit = (nSubtasks + 1) * s.poolCoefficient
	}

	records, err := s.states.FindPending(ctx, sub.ID, types, limit)
	if err != nil {
		return Batch{}, fmt.Errorf("finding pending repositories: %w", err)
	}

	var (
		mainTask *model.Task
		pool     []model.Task
	)
	poolLimit := nSubtasks * s.poolCoefficient

walk:
	for _, record := range records {
		for _, task := range record.PendingTasks(types) {
			if mainTask == nil {
				mainTask = &task
				if nSubtasks == 0 {
					break walk
				}
				continue
			}
			pool = append(pool, task)
			if len(pool) > poolLimit {
				break walk
			}
		}
	}

	if mainTask == nil {
		return Batch{}, nil
	}

	s.shuffle(pool)
	if len(pool) > nSubtasks {
		pool = pool[:nSubtasks]
	}

	slog.DebugContext(ctx, "scheduled backfill tasks",
		"main_task", mainTask.Key(),
		"subtasks", len(pool),
		"subtask_budget", nSubtasks)

	return Batch{MainTask: mainTask, OtherTasks: pool}, nil
}

// EligibleTypes narrows requested task types by what sub is allowed to run,
// keeping the canonical processing order.
func (s *Scheduler) EligibleTypes(sub *model.Subscription, requested []model.TaskType) []model.TaskType {
	if len(requested) == 0 {
		requested = sub.TargetTasks
	}

	types := make([]model.TaskType, 0, len(model.RepositoryTaskTypes))
	for _, t := range model.RepositoryTaskTypes {
		if len(requested) > 0 && !slices.Contains(requested, t) {
			continue
		}
		if t.Security() && !(s.securityTasks && sub.SecurityEnabled) {
			continue
		}
		types = append(types, t)
	}
	return types
}

// subtaskCount sizes the subtask sample to the quota left after reserving
// one share for the main task. Quota errors mean no subtasks.
func (s *Scheduler) subtaskCount(ctx context.Context, sub *model.Subscription) int {
	if s.maxSubtasks == 0 || s.quota == nil {
		return 0
	}

	quota, err := s.quota.Quota(ctx, sub)
	if err != nil {
		slog.WarnContext(ctx, "quota check failed, running main task only", "error", err)
		return 0
	}

	available := max(0, min(quota.Core, quota.GraphQL)-s.reservePerTask)
	return min(available/s.reservePerTask, s.maxSubtasks)
}

func (s *Scheduler) shuffle(tasks []model.Task) {
	swap := func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] }

	if s.rng == nil {
		rand.Shuffle(len(tasks), swap)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng.Shuffle(len(tasks), swap)
}
