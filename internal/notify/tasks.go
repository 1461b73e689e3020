package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-payflow/internal/events"
	"github.com/noah-isme/toko-payflow/internal/obs"
)

const (
	// TaskTypeDeliver is the asynq task type carrying one webhook event.
	TaskTypeDeliver = "webhook:deliver"
	// TaskQueue is the asynq queue webhook deliveries run on.
	TaskQueue = "webhooks"

	defaultMaxRetry = 8
)

// TaskEnqueuer is the part of *asynq.Client the webhook needs.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

func (w *Webhook) enqueueTask(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode task: %w", err)
	}
	task := asynq.NewTask(TaskTypeDeliver, payload,
		asynq.Queue(TaskQueue),
		asynq.MaxRetry(w.maxRetry),
		asynq.TaskID(ReplayKey(ev)),
	)
	if _, err := w.tasks.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			obs.ObserveWebhookDelivery("replay_suppressed")
			return nil
		}
		obs.ObserveWebhookDelivery("dropped")
		return fmt.Errorf("notify: enqueue %s: %w", ev.Topic, err)
	}
	return nil
}

// HandleTask is the asynq handler for TaskTypeDeliver. Returning an error
// schedules a retry; rejected payloads and 4xx answers other than 429 are not
// retried.
func (w *Webhook) HandleTask(ctx context.Context, task *asynq.Task) error {
	var ev events.Event
	if err := json.Unmarshal(task.Payload(), &ev); err != nil {
		return fmt.Errorf("notify: decode task: %v: %w", err, asynq.SkipRetry)
	}
	status, err := w.Deliver(ctx, ev)
	if err == nil {
		return nil
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// Register mounts the webhook handler on mux.
func (w *Webhook) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeDeliver, w.HandleTask)
}

// NewTaskServer builds the asynq server that works the webhook queue.
func NewTaskServer(opt asynq.RedisConnOpt, concurrency int, logger zerolog.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 4
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{TaskQueue: 1},
		Logger:      taskLogger{logger},
		LogLevel:    asynq.WarnLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Warn().Err(err).
				Str("task_type", task.Type()).
				Int("retried", retried).
				Int("max_retry", maxRetry).
				Msg("webhook_task_failed")
		}),
	})
}

// RunTaskServer starts srv with handler and shuts it down once ctx ends.
func RunTaskServer(ctx context.Context, srv *asynq.Server, handler asynq.Handler) error {
	if err := srv.Start(handler); err != nil {
		return fmt.Errorf("notify: start task server: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

type taskLogger struct{ l zerolog.Logger }

func (t taskLogger) Debug(args ...any) { t.l.Debug().Msg(fmt.Sprint(args...)) }
func (t taskLogger) Info(args ...any)  { t.l.Info().Msg(fmt.Sprint(args...)) }
func (t taskLogger) Warn(args ...any)  { t.l.Warn().Msg(fmt.Sprint(args...)) }
func (t taskLogger) Error(args ...any) { t.l.Error().Msg(fmt.Sprint(args...)) }
func (t taskLogger) Fatal(args ...any) { t.l.Fatal().Msg(fmt.Sprint(args...)) }
