package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskplane/taskplane/internal/common/config"
	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// ErrRequeue is returned by runners to put the task back on the queue for
// another worker instead of settling it.
var ErrRequeue = errors.New("task handed back for requeue")

// Emitter appends events to the claimed task's log.
type Emitter interface {
	Emit(ctx context.Context, eventType v1.EventType, payload map[string]any) error
}

// Runner executes one claimed task. Implementations report progress through
// the emitter; returning nil means the runner already emitted a terminal
// event.
type Runner interface {
	Run(ctx context.Context, task *v1.Task, input map[string]any, emitter Emitter) error
}

// clientEmitter appends events through the broker client.
type clientEmitter struct {
	client *Client
	taskID string
}

func (e *clientEmitter) Emit(ctx context.Context, eventType v1.EventType, payload map[string]any) error {
	_, err := e.client.AppendEvent(ctx, e.taskID, &v1.AppendEventRequest{
		Type:    eventType,
		Payload: payload,
	})
	return err
}

// PoolConfig configures the claim pool.
type PoolConfig struct {
	WorkerID       string        // base id, claim loops are numbered from it
	MaxConcurrency int           // parallel claim loops
	Heartbeat      time.Duration // lease renewal cadence
	MaxBackoff     time.Duration // give-up budget for consecutive claim failures
}

// FromConfig derives worker runtime settings from a loaded configuration.
// The request budget extends past the broker's claim block so long polls
// are not cut off client-side.
func FromConfig(cfg *config.Config) (ClientConfig, PoolConfig) {
	return ClientConfig{
			BrokerURL:     cfg.Worker.BrokerURL,
			InternalToken: cfg.Auth.InternalToken,
			Timeout:       cfg.Queue.BlockDuration() + 10*time.Second,
		}, PoolConfig{
			MaxConcurrency: cfg.Worker.MaxConcurrency,
			Heartbeat:      cfg.Queue.HeartbeatInterval(),
		}
}

// Pool keeps claim loops running against the broker and dispatches claimed
// tasks to the runner.
type Pool struct {
	client *Client
	runner Runner
	cfg    PoolConfig
	logger *logger.Logger

	claimBackoff time.Duration // initial claim retry delay, shortened in tests
}

// NewPool creates a pool. Zero config fields fall back to defaults.
func NewPool(client *Client, runner Runner, cfg PoolConfig, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.Default()
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.New().String()[:8]
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &Pool{
		client:       client,
		runner:       runner,
		cfg:          cfg,
		logger:       log.WithComponent("worker-pool"),
		claimBackoff: 500 * time.Millisecond,
	}
}

// Run blocks with MaxConcurrency claim loops until ctx is cancelled. It
// returns an error when claims keep failing past MaxBackoff, so a stuck
// worker exits and its supervisor restarts it.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started",
		zap.String("worker_id", p.cfg.WorkerID),
		zap.Int("max_concurrency", p.cfg.MaxConcurrency))
	defer p.logger.Info("worker pool stopped")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.MaxConcurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", p.cfg.WorkerID, i)
		g.Go(func() error {
			return p.claimLoop(ctx, workerID)
		})
	}
	return g.Wait()
}

// claimLoop claims and runs tasks until ctx ends. Claim failures back off
// exponentially and reset on the next success; failures persisting past
// MaxBackoff end the loop.
func (p *Pool) claimLoop(ctx context.Context, workerID string) error {
	log := p.logger.WithWorkerID(workerID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.claimBackoff
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = p.cfg.MaxBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		claim, err := p.client.Claim(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				log.Error("giving up on claims", zap.Error(err))
				return fmt.Errorf("no successful claim within %s: %w", p.cfg.MaxBackoff, err)
			}
			log.Warn("claim failed, backing off",
				zap.Duration("delay", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()

		if claim == nil {
			// Queue empty: the broker already held the long poll.
			continue
		}

		p.runTask(ctx, workerID, claim)
	}
}

// runTask executes one claimed task under a heartbeat and settles the
// outcome.
func (p *Pool) runTask(ctx context.Context, workerID string, claim *v1.ClaimTaskResponse) {
	task := claim.Task
	log := p.logger.WithWorkerID(workerID).WithTaskID(task.ID)
	log.Info("task claimed", zap.String("title", task.Title))

	// The heartbeat cancels this context when the lease is lost, so the
	// runner stops instead of duplicating work another worker picked up.
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hb := &heartbeatState{}
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(taskCtx, cancel, workerID, task.ID, hb, log)
	}()

	emitter := &clientEmitter{client: p.client, taskID: task.ID}
	err := p.runner.Run(taskCtx, task, claim.Input, emitter)

	cancel()
	<-hbDone

	// A lost lease means another worker owns the task now. Acking here
	// would release that worker's lease, so leave settlement to it.
	if hb.leaseLost {
		log.Warn("skipping settlement for lost lease")
		return
	}

	p.settle(ctx, task.ID, err, log)
}

// heartbeatState carries the heartbeat's verdict back to runTask. The field
// is written before the heartbeat goroutine exits and read after it is
// joined.
type heartbeatState struct {
	leaseLost bool
}

// settle reports the outcome: clean runs and failures ack the task, a
// requeue hands it back. Settlement failures are logged and left to the
// lease sweep.
func (p *Pool) settle(ctx context.Context, taskID string, runErr error, log *logger.Logger) {
	switch {
	case runErr == nil:
		if err := p.client.Ack(ctx, taskID, false); err != nil {
			log.Warn("failed to ack task", zap.Error(err))
			return
		}
		log.Info("task settled")

	case errors.Is(runErr, ErrRequeue):
		if err := p.client.Ack(ctx, taskID, true); err != nil {
			log.Warn("failed to requeue task", zap.Error(err))
			return
		}
		log.Info("task requeued")

	default:
		log.Error("task run failed", zap.Error(runErr))
		if _, err := p.client.AppendEvent(ctx, taskID, &v1.AppendEventRequest{
			Type: v1.EventTaskFailed,
			Payload: map[string]any{
				"status": string(v1.TaskStatusFailed),
				"error":  runErr.Error(),
			},
		}); err != nil {
			log.Warn("failed to append failure event", zap.Error(err))
		}
		if err := p.client.Ack(ctx, taskID, false); err != nil {
			log.Warn("failed to ack failed task", zap.Error(err))
		}
	}
}

// heartbeat renews the lease until the task context ends. A conflict or a
// vanished task means the lease moved on, which cancels the run.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, workerID, taskID string, hb *heartbeatState, log *logger.Logger) {
	ticker := time.NewTicker(p.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := p.client.ExtendLease(ctx, taskID, workerID, 0)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if apperrors.IsConflict(err) || apperrors.IsNotFound(err) {
				log.Warn("lease lost, cancelling task", zap.Error(err))
				hb.leaseLost = true
				cancel()
				return
			}
			// Transient failure: the next tick retries well before expiry.
			log.Warn("failed to extend lease", zap.Error(err))
		}
	}
}
