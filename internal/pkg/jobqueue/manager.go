package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/config"
)

const counterFlushSchedule = "@every 1m"

// Replayer is the part of the billing service the background jobs drive.
type Replayer interface {
	DueFailureIDs(ctx context.Context, limit int) ([]uint, error)
	ReplayFailure(ctx context.Context, id uint) error
	ReplayEvent(ctx context.Context, id uint) (billing.Outcome, error)
}

// Flusher persists buffered counters.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Manager owns the job queue and the cron schedule that feeds it.
type Manager struct {
	queue    *Queue
	replayer Replayer
	flusher  Flusher
	cfg      config.ReplayConfig
	cron     *cron.Cron
	mu       sync.Mutex
	running  bool
}

// NewManager registers the billing job processors on queue. flusher may be nil.
func NewManager(queue *Queue, replayer Replayer, flusher Flusher, cfg config.ReplayConfig) *Manager {
	m := &Manager{
		queue:    queue,
		replayer: replayer,
		flusher:  flusher,
		cfg:      cfg,
	}

	// A dead letter carries its own backoff, so a failed replay job is not retried.
	queue.Register(JobTypeEffectReplay, ProcessorFunc(m.processEffectReplay), 0)
	queue.Register(JobTypeEventReplay, ProcessorFunc(m.processEventReplay), DefaultMaxRetries)
	if flusher != nil {
		queue.Register(JobTypeCounterFlush, ProcessorFunc(m.processCounterFlush), 0)
	}
	return m
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and the scheduled tasks.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	c := cron.New()
	if m.cfg.Enabled {
		if _, err := c.AddFunc(m.cfg.Schedule, m.sweepDueReplays); err != nil {
			return fmt.Errorf("invalid replay schedule %q: %w", m.cfg.Schedule, err)
		}
	}
	if m.flusher != nil {
		if _, err := c.AddFunc(counterFlushSchedule, m.scheduleCounterFlush); err != nil {
			return err
		}
	}

	log.Info("[JobQueue Manager] Starting job queue and background tasks")
	m.queue.Start()
	c.Start()
	m.cron = c
	m.running = true
	log.Infof("[JobQueue Manager] Started successfully (%d scheduled task(s))", len(c.Entries()))
	return nil
}

// Stop waits for running scheduled tasks, then stops the queue workers.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")
	<-m.cron.Stop().Done()
	m.cron = nil
	m.running = false
	m.queue.Stop()
	log.Info("[JobQueue Manager] Stopped successfully")
}

// GetJob looks up a job enqueued through the manager.
func (m *Manager) GetJob(ctx context.Context, id string) (*Job, error) {
	return m.queue.GetJob(ctx, id)
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) sweepDueReplays() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := m.EnqueueDueReplays(ctx)
	if err != nil {
		log.Errorf("[JobQueue Manager] Replay sweep error: %v", err)
		return
	}
	if n > 0 {
		log.Infof("[JobQueue Manager] Enqueued %d effect replay(s)", n)
	}
}

// EnqueueDueReplays enqueues one replay job per dead letter that is due. A
// failure that already has a pending job is skipped.
func (m *Manager) EnqueueDueReplays(ctx context.Context) (int, error) {
	ids, err := m.replayer.DueFailureIDs(ctx, m.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, id := range ids {
		_, ok, err := m.EnqueueFailureReplay(ctx, id)
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	return enqueued, nil
}

// EnqueueFailureReplay enqueues a replay of one dead letter.
func (m *Manager) EnqueueFailureReplay(ctx context.Context, id uint) (*Job, bool, error) {
	payload := EffectReplayJobPayload{FailureID: id}
	return m.queue.EnqueueUniqueJob(ctx, JobTypeEffectReplay, strconv.FormatUint(uint64(id), 10), payload.ToMap())
}

// EnqueueEventReplay enqueues a replay of a stored webhook event.
func (m *Manager) EnqueueEventReplay(ctx context.Context, id uint, requestedBy string) (*Job, bool, error) {
	payload := EventReplayJobPayload{EventID: id, RequestedBy: requestedBy}
	return m.queue.EnqueueUniqueJob(ctx, JobTypeEventReplay, strconv.FormatUint(uint64(id), 10), payload.ToMap())
}

func (m *Manager) scheduleCounterFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := m.queue.EnqueueUniqueJob(ctx, JobTypeCounterFlush, "webhooks", nil); err != nil {
		log.Errorf("[JobQueue Manager] Counter flush enqueue error: %v", err)
	}
}

func (m *Manager) processEffectReplay(ctx context.Context, job *Job) error {
	payload, err := EffectReplayJobPayloadFromMap(job.Payload)
	if err != nil {
		return err
	}
	return m.replayer.ReplayFailure(ctx, payload.FailureID)
}

func (m *Manager) processEventReplay(ctx context.Context, job *Job) error {
	payload, err := EventReplayJobPayloadFromMap(job.Payload)
	if err != nil {
		return err
	}
	outcome, err := m.replayer.ReplayEvent(ctx, payload.EventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, billing.ErrMalformedPayload) {
			job.RetryCount = job.MaxRetries
		}
		return err
	}
	log.Infof("[JobQueue Manager] Replayed event %d for %s: %s", payload.EventID, payload.RequestedBy, outcome)
	return nil
}

func (m *Manager) processCounterFlush(ctx context.Context, job *Job) error {
	return m.flusher.Flush(ctx)
}
