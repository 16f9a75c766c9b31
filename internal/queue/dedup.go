package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DedupResult tells the caller what to do with the message after Execute.
type DedupResult int

const (
	// DedupOK means the job ran here and the flag is gone.
	DedupOK DedupResult = iota
	// DedupOtherWorker means a live worker is running the job; drop it.
	DedupOtherWorker
	// DedupNotSure means a flag exists but its owner may be dead; try later.
	DedupNotSure
)

func (r DedupResult) String() string {
	switch r {
	case DedupOK:
		return "ok"
	case DedupOtherWorker:
		return "other_worker"
	case DedupNotSure:
		return "not_sure"
	}
	return fmt.Sprintf("DedupResult(%d)", int(r))
}

// maxDedupRefresh bounds how long IsRunnerLive may block.
const maxDedupRefresh = 5 * time.Second

// InProgressStorage holds the in-progress flags of running jobs. Raising,
// refreshing and removing a flag are atomic with respect to other runners.
type InProgressStorage interface {
	// AcquireFlag raises the flag of key for runnerID unless another runner
	// holds a flag refreshed less than staleAfter ago.
	AcquireFlag(ctx context.Context, key, runnerID string, staleAfter time.Duration) (bool, error)
	// RefreshFlag re-stamps the flag and reports false once runnerID no
	// longer holds it.
	RefreshFlag(ctx context.Context, key, runnerID string) (bool, error)
	// ReleaseFlag removes the flag if runnerID still holds it.
	ReleaseFlag(ctx context.Context, key, runnerID string) error
	// ActiveRunner returns the runner holding the flag, or "" when there is
	// none or it was last refreshed more than staleAfter ago.
	ActiveRunner(ctx context.Context, key string, staleAfter time.Duration) (string, error)
	// IsRunnerLive watches the flag for twice the refresh interval and
	// reports true only if runnerID refreshed it meanwhile.
	IsRunnerLive(ctx context.Context, key, runnerID string, refresh time.Duration) (bool, error)
}

// Deduplicator runs a job only when no other worker is running the job with
// the same key, refreshing its flag while the job runs.
type Deduplicator struct {
	storage InProgressStorage
	refresh time.Duration
}

func NewDeduplicator(storage InProgressStorage, refresh time.Duration) *Deduplicator {
	if refresh <= 0 {
		refresh = time.Second
	}
	refresh = min(refresh, maxDedupRefresh)
	return &Deduplicator{storage: storage, refresh: refresh}
}

// Execute runs job unless another worker holds the flag of key. The error
// is job's error, or a storage failure before job started.
func (d *Deduplicator) Execute(ctx context.Context, key string, job func(ctx context.Context) error) (DedupResult, error) {
	runnerID := "runner-" + uuid.NewString()
	staleAfter := d.refresh * 10

	acquired, err := d.storage.AcquireFlag(ctx, key, runnerID, staleAfter)
	if err != nil {
		return DedupNotSure, fmt.Errorf("raising in-progress flag: %w", err)
	}
	if !acquired {
		return d.checkHolder(ctx, key, staleAfter)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				held, err := d.storage.RefreshFlag(ctx, key, runnerID)
				if err != nil {
					slog.WarnContext(ctx, "failed to refresh in-progress flag", "key", key, "error", err)
					continue
				}
				if !held {
					slog.WarnContext(ctx, "in-progress flag taken over by another runner", "key", key)
					return
				}
			}
		}
	}()

	defer func() {
		close(stop)
		wg.Wait()
		if err := d.storage.ReleaseFlag(context.WithoutCancel(ctx), key, runnerID); err != nil {
			slog.WarnContext(ctx, "failed to remove in-progress flag", "key", key, "error", err)
		}
	}()

	return DedupOK, job(ctx)
}

func (d *Deduplicator) checkHolder(ctx context.Context, key string, staleAfter time.Duration) (DedupResult, error) {
	holder, err := d.storage.ActiveRunner(ctx, key, staleAfter)
	if err != nil {
		return DedupNotSure, fmt.Errorf("checking in-progress flag: %w", err)
	}
	if holder == "" {
		// Released or gone stale since the acquire attempt.
		return DedupNotSure, nil
	}

	live, err := d.storage.IsRunnerLive(ctx, key, holder, d.refresh)
	if err != nil {
		return DedupNotSure, fmt.Errorf("watching in-progress flag: %w", err)
	}
	if live {
		return DedupOtherWorker, nil
	}
	return DedupNotSure, nil
}

type inProgressFlag struct {
	RunnerID  string `json:"runner_id"`
	Timestamp int64  `json:"timestamp"`
}

// RedisInProgressStorage keeps flags as JSON strings that expire after ttl
// if nobody refreshes them.
type RedisInProgressStorage struct {
	client redis.Cmdable
	ttl    time.Duration
	now    func() time.Time
}

var _ InProgressStorage = (*RedisInProgressStorage)(nil)

func NewRedisInProgressStorage(client redis.Cmdable, ttl time.Duration) *RedisInProgressStorage {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisInProgressStorage{client: client, ttl: ttl, now: time.Now}
}

// KEYS[1] flag key; ARGV[1] new flag, ARGV[2] ttl ms, ARGV[3] stale-before ms.
var acquireFlagScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if raw then
	local flag = cjson.decode(raw)
	if tonumber(flag.timestamp) > tonumber(ARGV[3]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// KEYS[1] flag key; ARGV[1] runner id, ARGV[2] new flag, ARGV[3] ttl ms.
var refreshFlagScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw or cjson.decode(raw).runner_id ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// KEYS[1] flag key; ARGV[1] runner id.
var releaseFlagScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw or cjson.decode(raw).runner_id ~= ARGV[1] then
	return 0
end
return redis.call('DEL', KEYS[1])
`)

func (s *RedisInProgressStorage) AcquireFlag(ctx context.Context, key, runnerID string, staleAfter time.Duration) (bool, error) {
	payload, err := s.payload(runnerID)
	if err != nil {
		return false, err
	}
	staleBefore := s.now().Add(-staleAfter).UnixMilli()
	n, err := acquireFlagScript.Run(ctx, s.client, []string{key}, payload, s.ttl.Milliseconds(), staleBefore).Int()
	if err != nil {
		return false, fmt.Errorf("acquiring %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisInProgressStorage) RefreshFlag(ctx context.Context, key, runnerID string) (bool, error) {
	payload, err := s.payload(runnerID)
	if err != nil {
		return false, err
	}
	n, err := refreshFlagScript.Run(ctx, s.client, []string{key}, runnerID, payload, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refreshing %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisInProgressStorage) ReleaseFlag(ctx context.Context, key, runnerID string) error {
	if err := releaseFlagScript.Run(ctx, s.client, []string{key}, runnerID).Err(); err != nil {
		return fmt.Errorf("releasing %s: %w", key, err)
	}
	return nil
}

func (s *RedisInProgressStorage) payload(runnerID string) (string, error) {
	raw, err := json.Marshal(inProgressFlag{RunnerID: runnerID, Timestamp: s.now().UnixMilli()})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *RedisInProgressStorage) ActiveRunner(ctx context.Context, key string, staleAfter time.Duration) (string, error) {
	flag, err := s.flag(ctx, key)
	if err != nil || flag == nil {
		return "", err
	}
	if s.now().UnixMilli()-flag.Timestamp >= staleAfter.Milliseconds() {
		return "", nil
	}
	return flag.RunnerID, nil
}

func (s *RedisInProgressStorage) IsRunnerLive(ctx context.Context, key, runnerID string, refresh time.Duration) (bool, error) {
	if refresh > maxDedupRefresh {
		return false, fmt.Errorf("refresh interval %s blocks for too long", refresh)
	}

	before, err := s.flag(ctx, key)
	if err != nil || before == nil || before.RunnerID != runnerID {
		// Finished already, or taken over: cannot tell.
		return false, err
	}

	timer := time.NewTimer(2 * refresh)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
	}

	after, err := s.flag(ctx, key)
	if err != nil || after == nil {
		return false, err
	}
	return after.RunnerID == runnerID && before.Timestamp < after.Timestamp, nil
}

func (s *RedisInProgressStorage) flag(ctx context.Context, key string) (*inProgressFlag, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	var flag inProgressFlag
	if err := json.Unmarshal([]byte(raw), &flag); err != nil {
		return nil, fmt.Errorf("decoding flag %s: %w", key, err)
	}
	return &flag, nil
}
