package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"basegraph.co/backfill/common/logger"
	"basegraph.co/backfill/internal/backfill"
	"basegraph.co/backfill/internal/model"
	"basegraph.co/backfill/internal/queue"
	"basegraph.co/backfill/internal/store"
)

const (
	DefaultMaxParallel  = 4
	DefaultNotSureDelay = time.Minute
)

type Config struct {
	MaxAttempts int
	// MaxParallel bounds the ticks of one message running at once.
	MaxParallel int
	// NotSureDelay is how long to wait before retrying a subscription whose
	// in-progress flag belongs to a runner that may be dead.
	NotSureDelay time.Duration
}

type Worker struct {
	consumer  Consumer
	producer  queue.Producer
	dedup     Deduplicator
	subs      Subscriptions
	scheduler Scheduler
	looper    Looper
	cfg       Config
	now       func() time.Time

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(
	consumer Consumer,
	producer queue.Producer,
	dedup Deduplicator,
	subs Subscriptions,
	scheduler Scheduler,
	looper Looper,
	cfg Config,
) *Worker {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.NotSureDelay <= 0 {
		cfg.NotSureDelay = DefaultNotSureDelay
	}
	return &Worker{
		consumer:  consumer,
		producer:  producer,
		dedup:     dedup,
		subs:      subs,
		scheduler: scheduler,
		looper:    looper,
		cfg:       cfg,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// DedupKey is the in-progress flag key of a subscription's backfill.
func DedupKey(subscriptionID int64) string {
	return fmt.Sprintf("backfill:sub:%d", subscriptionID)
}

func (w *Worker) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "backfill.worker",
	})

	defer close(w.stoppedCh)

	slog.InfoContext(ctx, "worker started", "max_parallel", w.cfg.MaxParallel)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		_ = w.HandleMessage(ctx, msg)
	}

	return nil
}

// HandleMessage processes msg and, when that fails, requeues it or moves it
// to the DLQ. The processing error is returned after it has been handled.
func (w *Worker) HandleMessage(ctx context.Context, msg queue.Message) error {
	if err := w.processMessageSafe(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "message processing failed",
			"error", err,
			"message_id", msg.ID,
			"subscription_id", msg.SubscriptionID)
		w.handleFailedMessage(ctx, msg, err)
		return err
	}
	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID,
				"subscription_id", msg.SubscriptionID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage runs one tick of the subscription in msg and acks it. An
// error means msg was not acked.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	msgID := msg.ID
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SubscriptionID: &msg.SubscriptionID,
		MessageID:      &msgID,
	})

	sc := logger.StartSpanFromTraceID(ctx, msg.TraceID, "backfill.message")
	defer sc.End()
	ctx = sc.Context()

	slog.InfoContext(ctx, "processing message", "attempt", msg.Attempt)

	result, err := w.dedup.Execute(ctx, DedupKey(msg.SubscriptionID), func(ctx context.Context) error {
		return w.tick(ctx, msg)
	})
	if err != nil {
		sc.RecordError(err)
		return err
	}

	switch result {
	case queue.DedupOtherWorker:
		slog.InfoContext(ctx, "subscription is being processed by another worker, dropping message")
	case queue.DedupNotSure:
		slog.WarnContext(ctx, "cannot tell whether another worker is processing the subscription, retrying later",
			"delay", w.cfg.NotSureDelay)
		if err := w.producer.EnqueueAfter(ctx, nextMessage(ctx, msg), w.cfg.NotSureDelay); err != nil {
			sc.RecordError(err)
			return fmt.Errorf("rescheduling message: %w", err)
		}
	}

	if err := w.consumer.Ack(ctx, msg); err != nil {
		// Log but don't fail - message will be reclaimed but that's safe
		slog.WarnContext(ctx, "failed to ACK message", "error", err)
	}
	return nil
}

func (w *Worker) tick(ctx context.Context, msg queue.Message) error {
	sub, err := w.subs.GetByID(ctx, msg.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		slog.WarnContext(ctx, "subscription not found, dropping message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading subscription: %w", err)
	}
	if sub.BackfillStatus != model.BackfillStatusActive {
		slog.InfoContext(ctx, "backfill not active, dropping message", "status", sub.BackfillStatus)
		return nil
	}

	if err := w.subs.TouchLastTick(ctx, sub.ID, w.now()); err != nil {
		return fmt.Errorf("touching last tick: %w", err)
	}

	batch, err := w.scheduler.NextTasks(ctx, sub, msg.TargetTasks)
	if err != nil {
		return fmt.Errorf("scheduling tasks: %w", err)
	}
	if batch.Empty() {
		if err := w.subs.SetBackfillStatus(ctx, sub.ID, model.BackfillStatusComplete, nil); err != nil {
			return fmt.Errorf("completing backfill: %w", err)
		}
		slog.InfoContext(ctx, "backfill complete")
		return nil
	}

	action, err := w.runBatch(ctx, sub, batch.MainTask, batch.OtherTasks)
	if err != nil {
		return err
	}

	if action.Fatal() {
		errMsg := action.Err.Message
		if err := w.subs.SetBackfillStatus(ctx, sub.ID, model.BackfillStatusFailed, &errMsg); err != nil {
			return fmt.Errorf("failing backfill: %w", err)
		}
		slog.ErrorContext(ctx, "backfill failed", "error", errMsg)
		return nil
	}

	// A finished main task goes straight back: the scheduler decides whether
	// the subscription as a whole is done.
	if err := w.producer.EnqueueAfter(ctx, nextMessage(ctx, msg), action.After()); err != nil {
		return fmt.Errorf("scheduling next tick: %w", err)
	}
	return nil
}

// runBatch runs the main task and the subtasks concurrently. Only the main
// task's store failures fail the message; a subtask that cannot be ticked
// now stays pending for a later batch.
func (w *Worker) runBatch(ctx context.Context, sub *model.Subscription, main *model.Task, others []model.Task) (backfill.NextAction[model.TaskJob], error) {
	var (
		g          errgroup.Group
		mainAction backfill.NextAction[model.TaskJob]
	)
	g.SetLimit(w.cfg.MaxParallel)

	g.Go(func() error {
		action, err := w.step(ctx, sub, *main)
		if err != nil {
			return fmt.Errorf("main tick %s: %w", main.Key(), err)
		}
		mainAction = action
		return nil
	})

	for _, task := range others {
		g.Go(func() error {
			action, err := w.step(ctx, sub, task)
			if err != nil {
				slog.WarnContext(ctx, "subtask tick failed",
					"task", task.Key(),
					"error", err)
				return nil
			}
			if action.Fatal() {
				slog.WarnContext(ctx, "subtask hit a fatal error",
					"task", task.Key(),
					"error", action.Err.Message)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return backfill.NextAction[model.TaskJob]{}, err
	}

	slog.DebugContext(ctx, "batch processed",
		"main_task", main.Key(),
		"subtasks", len(others),
		"schedule_next", mainAction.ScheduleNextStep)
	return mainAction, nil
}

func (w *Worker) step(ctx context.Context, sub *model.Subscription, task model.Task) (backfill.NextAction[model.TaskJob], error) {
	fields := logger.LogFields{TaskType: logger.Ptr(string(task.Type))}
	if task.Type != model.TaskTypeRepository {
		fields.RepositoryID = logger.Ptr(task.RepositoryID)
	}
	ctx = logger.WithLogFields(ctx, fields)

	return w.looper.ProcessStep(ctx, backfill.Step[model.TaskJob]{
		JobID: model.TaskJob{Subscription: sub, Task: task},
	})
}

// nextMessage continues msg, keeping the chain of ticks on one trace.
func nextMessage(ctx context.Context, msg queue.Message) queue.BackfillMessage {
	next := msg.Next()
	if next.TraceID == "" {
		next.TraceID = logger.TraceID(ctx)
	}
	return next
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"message_id", msg.ID,
			"subscription_id", msg.SubscriptionID,
			"attempts", msg.Attempt)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message",
		"message_id", msg.ID,
		"subscription_id", msg.SubscriptionID,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}
