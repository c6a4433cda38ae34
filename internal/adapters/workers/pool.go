package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/xjson"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// Handler processes one decoded job payload. A returned error re-enqueues
// the job until its queue-level MaxRetries is spent, then dead-letters it.
// Validation and NotFound errors are fatal and dead-letter immediately.
type Handler func(ctx context.Context, job *domain.Job) error

// Pool pulls jobs from the durable queue and dispatches them onto an ants
// worker pool by job type. It is constructed once at startup and handed its
// dependencies explicitly.
type Pool struct {
	queue    ports.QueuePort
	pool     *ants.Pool
	logger   *slog.Logger
	handlers map[domain.JobType]Handler

	pollInterval time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPool(size int, queue ports.QueuePort, logger *slog.Logger) (*Pool, error) {
	if size <= 0 {
		size = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	antsPool, err := ants.NewPool(size)
	if err != nil {
		return nil, domain.NewInternalError("failed to create worker pool", err)
	}
	return &Pool{
		queue:        queue,
		pool:         antsPool,
		logger:       logger.With("component", "workers"),
		handlers:     make(map[domain.JobType]Handler),
		pollInterval: time.Second,
	}, nil
}

// Register binds a handler to a job type. All registration happens before
// Start.
func (p *Pool) Register(jobType domain.JobType, handler Handler) {
	p.handlers[jobType] = handler
}

// Enqueue wraps a payload in a job envelope and submits it to the queue.
func (p *Pool) Enqueue(jobType domain.JobType, payload interface{}, maxRetries int) (string, error) {
	data, err := xjson.Marshal(payload)
	if err != nil {
		return "", domain.NewInternalError("failed to serialize job payload", err)
	}
	job := &domain.Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Payload:    data,
		MaxRetries: maxRetries,
		EnqueuedAt: time.Now(),
	}
	jobBytes, err := job.ToBytes()
	if err != nil {
		return "", domain.NewInternalError("failed to serialize job", err)
	}
	if err := p.queue.Enqueue(jobBytes); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return domain.NewConflictError("worker pool already started", nil)
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(runCtx)
	return nil
}

func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.pool.Release()
	return nil
}

func (p *Pool) run(ctx context.Context) {
	defer close(p.done)

	wake := p.queue.WaitForItem(ctx)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		p.drain(ctx)

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// drain claims and dispatches until the queue is empty or the pool has no
// free workers.
func (p *Pool) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil || p.pool.Free() == 0 {
			return
		}

		item, claimID, exists, err := p.queue.Claim()
		if err != nil {
			p.logger.Error("failed to claim queue item", "error", err.Error())
			return
		}
		if !exists {
			return
		}

		data := item
		claim := claimID
		submitErr := p.pool.Submit(func() {
			p.process(ctx, data, claim)
		})
		if submitErr != nil {
			p.logger.Error("failed to submit job to pool", "error", submitErr.Error())
			if err := p.queue.Release(claim); err != nil {
				p.logger.Error("failed to release claim", "claim_id", claim, "error", err.Error())
			}
			return
		}
	}
}

func (p *Pool) process(ctx context.Context, data []byte, claimID string) {
	job, err := domain.JobFromBytes(data)
	if err != nil {
		p.logger.Error("discarding undecodable job", "error", err.Error())
		p.completeOrLog(claimID)
		if err := p.queue.SendToDeadLetter(data, "undecodable job", 0); err != nil {
			p.logger.Error("failed to dead letter job", "error", err.Error())
		}
		return
	}

	handler, ok := p.handlers[job.Type]
	if !ok {
		p.logger.Error("no handler for job type", "job_type", job.Type, "job_id", job.ID)
		p.completeOrLog(claimID)
		if err := p.queue.SendToDeadLetter(data, fmt.Sprintf("no handler for type %s", job.Type), job.RetryCount); err != nil {
			p.logger.Error("failed to dead letter job", "error", err.Error())
		}
		return
	}

	start := time.Now()
	handlerErr := handler(ctx, job)
	p.completeOrLog(claimID)

	if handlerErr == nil {
		p.logger.Debug("job completed",
			"job_type", job.Type,
			"job_id", job.ID,
			"duration", time.Since(start),
		)
		return
	}

	p.logger.Error("job failed",
		"job_type", job.Type,
		"job_id", job.ID,
		"retry_count", job.RetryCount,
		"error", handlerErr.Error(),
	)

	fatal := domain.IsValidation(handlerErr) || domain.IsNotFound(handlerErr)
	if fatal || job.RetryCount >= job.MaxRetries {
		if err := p.queue.SendToDeadLetter(data, handlerErr.Error(), job.RetryCount); err != nil {
			p.logger.Error("failed to dead letter job", "job_id", job.ID, "error", err.Error())
		}
		return
	}

	job.RetryCount++
	retryBytes, err := job.ToBytes()
	if err != nil {
		p.logger.Error("failed to serialize retry job", "job_id", job.ID, "error", err.Error())
		return
	}
	if err := p.queue.Enqueue(retryBytes); err != nil {
		p.logger.Error("failed to re-enqueue job", "job_id", job.ID, "error", err.Error())
	}
}

func (p *Pool) completeOrLog(claimID string) {
	if err := p.queue.Complete(claimID); err != nil {
		p.logger.Error("failed to complete claim", "claim_id", claimID, "error", err.Error())
	}
}
