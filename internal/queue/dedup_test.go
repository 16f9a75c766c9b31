package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.co/backfill/internal/queue"
)

type storedFlag struct {
	RunnerID  string `json:"runner_id"`
	Timestamp int64  `json:"timestamp"`
}

func writeFlag(rdb *fakeRedis, key, runnerID string, at time.Time) {
	raw, err := json.Marshal(storedFlag{RunnerID: runnerID, Timestamp: at.UnixMilli()})
	Expect(err).NotTo(HaveOccurred())
	rdb.set(key, string(raw))
}

func readFlag(rdb *fakeRedis, key string) (storedFlag, bool) {
	raw, ok := rdb.get(key)
	if !ok {
		return storedFlag{}, false
	}
	var flag storedFlag
	Expect(json.Unmarshal([]byte(raw), &flag)).To(Succeed())
	return flag, true
}

type brokenStorage struct {
	queue.InProgressStorage
}

func (brokenStorage) AcquireFlag(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

var _ = Describe("Deduplicator", func() {
	const (
		key     = "backfill:sub:1"
		refresh = 20 * time.Millisecond
	)

	var (
		ctx     context.Context
		rdb     *fakeRedis
		storage *queue.RedisInProgressStorage
		dedup   *queue.Deduplicator
	)

	BeforeEach(func() {
		ctx = context.Background()
		rdb = newFakeRedis()
		storage = queue.NewRedisInProgressStorage(rdb, time.Hour)
		dedup = queue.NewDeduplicator(storage, refresh)
	})

	It("runs the job under a flag and removes it afterwards", func() {
		var during storedFlag
		var present bool

		result, err := dedup.Execute(ctx, key, func(context.Context) error {
			during, present = readFlag(rdb, key)
			return nil
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(queue.DedupOK))
		Expect(present).To(BeTrue())
		Expect(strings.HasPrefix(during.RunnerID, "runner-")).To(BeTrue())
		_, ok := rdb.get(key)
		Expect(ok).To(BeFalse())
	})

	It("refreshes the flag while the job runs", func() {
		var first, last storedFlag

		_, err := dedup.Execute(ctx, key, func(context.Context) error {
			first, _ = readFlag(rdb, key)
			time.Sleep(5 * refresh)
			last, _ = readFlag(rdb, key)
			return nil
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(last.RunnerID).To(Equal(first.RunnerID))
		Expect(last.Timestamp).To(BeNumerically(">", first.Timestamp))
	})

	It("returns the job error and still removes the flag", func() {
		result, err := dedup.Execute(ctx, key, func(context.Context) error {
			return errors.New("tick failed")
		})

		Expect(result).To(Equal(queue.DedupOK))
		Expect(err).To(MatchError("tick failed"))
		_, ok := rdb.get(key)
		Expect(ok).To(BeFalse())
	})

	It("is not sure when a fresh flag stops being refreshed", func() {
		writeFlag(rdb, key, "runner-gone", time.Now())
		var ran atomic.Bool

		result, err := dedup.Execute(ctx, key, func(context.Context) error {
			ran.Store(true)
			return nil
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(queue.DedupNotSure))
		Expect(ran.Load()).To(BeFalse())
		flag, ok := readFlag(rdb, key)
		Expect(ok).To(BeTrue())
		Expect(flag.RunnerID).To(Equal("runner-gone"))
	})

	It("backs off when another live worker keeps refreshing", func() {
		writeFlag(rdb, key, "runner-other", time.Now())
		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			ticker := time.NewTicker(refresh / 4)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					writeFlag(rdb, key, "runner-other", time.Now())
				}
			}
		}()
		defer func() {
			close(stop)
			<-done
		}()

		result, err := dedup.Execute(ctx, key, func(context.Context) error {
			Fail("job must not run")
			return nil
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(queue.DedupOtherWorker))
	})

	It("ignores stale flags", func() {
		writeFlag(rdb, key, "runner-old", time.Now().Add(-time.Hour))
		var ran atomic.Bool

		result, err := dedup.Execute(ctx, key, func(context.Context) error {
			ran.Store(true)
			return nil
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(queue.DedupOK))
		Expect(ran.Load()).To(BeTrue())
	})

	It("lets only one of two simultaneous runs through", func() {
		var running, maxRunning atomic.Int32
		release := make(chan struct{})
		job := func(context.Context) error {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			select {
			case <-release:
			case <-time.After(2 * time.Second):
			}
			return nil
		}

		results := make(chan queue.DedupResult, 2)
		for range 2 {
			go func() {
				defer GinkgoRecover()
				result, err := dedup.Execute(ctx, key, job)
				Expect(err).NotTo(HaveOccurred())
				results <- result
			}()
		}

		var first queue.DedupResult
		Eventually(results, time.Second).Should(Receive(&first))
		close(release)
		var second queue.DedupResult
		Eventually(results, 3*time.Second).Should(Receive(&second))

		Expect([]queue.DedupResult{first, second}).To(ConsistOf(queue.DedupOtherWorker, queue.DedupOK))
		Expect(maxRunning.Load()).To(Equal(int32(1)))
		_, ok := rdb.get(key)
		Expect(ok).To(BeFalse())
	})

	It("reports storage failures as not sure", func() {
		result, err := queue.NewDeduplicator(brokenStorage{}, refresh).Execute(ctx, key, func(context.Context) error {
			Fail("job must not run")
			return nil
		})

		Expect(result).To(Equal(queue.DedupNotSure))
		Expect(err).To(MatchError(ContainSubstring("redis down")))
	})

	It("names its results", func() {
		Expect(queue.DedupOK.String()).To(Equal("ok"))
		Expect(queue.DedupOtherWorker.String()).To(Equal("other_worker"))
		Expect(queue.DedupNotSure.String()).To(Equal("not_sure"))
	})
})

var _ = Describe("RedisInProgressStorage", func() {
	It("refuses refresh intervals that would block too long", func() {
		storage := queue.NewRedisInProgressStorage(newFakeRedis(), time.Hour)

		_, err := storage.IsRunnerLive(context.Background(), "k", "r", time.Minute)

		Expect(err).To(HaveOccurred())
	})

	It("does not acquire a fresh flag held by another runner", func() {
		rdb := newFakeRedis()
		storage := queue.NewRedisInProgressStorage(rdb, time.Hour)
		writeFlag(rdb, "k", "runner-b", time.Now())

		acquired, err := storage.AcquireFlag(context.Background(), "k", "runner-a", time.Minute)

		Expect(err).NotTo(HaveOccurred())
		Expect(acquired).To(BeFalse())
		flag, _ := readFlag(rdb, "k")
		Expect(flag.RunnerID).To(Equal("runner-b"))
	})

	It("only refreshes and releases its own flag", func() {
		rdb := newFakeRedis()
		storage := queue.NewRedisInProgressStorage(rdb, time.Hour)
		writeFlag(rdb, "k", "runner-b", time.Now())

		held, err := storage.RefreshFlag(context.Background(), "k", "runner-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(held).To(BeFalse())

		Expect(storage.ReleaseFlag(context.Background(), "k", "runner-a")).To(Succeed())
		flag, ok := readFlag(rdb, "k")
		Expect(ok).To(BeTrue())
		Expect(flag.RunnerID).To(Equal("runner-b"))

		Expect(storage.ReleaseFlag(context.Background(), "k", "runner-b")).To(Succeed())
		_, ok = rdb.get("k")
		Expect(ok).To(BeFalse())
	})

	It("cannot tell when the flag moved to another runner", func() {
		rdb := newFakeRedis()
		storage := queue.NewRedisInProgressStorage(rdb, time.Hour)
		writeFlag(rdb, "k", "runner-b", time.Now())

		live, err := storage.IsRunnerLive(context.Background(), "k", "runner-a", 10*time.Millisecond)

		Expect(err).NotTo(HaveOccurred())
		Expect(live).To(BeFalse())
	})
})
