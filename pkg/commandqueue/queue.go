package commandqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harun/overwatch/internal/metrics"
	"github.com/harun/overwatch/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/harun/overwatch/commandqueue"

var (
	// ErrQueueClosed is returned for tasks enqueued after Close
	ErrQueueClosed = errors.New("command queue closed")
	// ErrLaneCleared is returned to tasks dropped by ClearLane
	ErrLaneCleared = errors.New("lane cleared")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// TraceID pins the task's trace; the caller's or a fresh one otherwise
	TraceID string
	// WarnAfter logs a warning when the task is still queued after this long
	WarnAfter time.Duration
	// OnWait is called with the wait and queue position when WarnAfter fires
	OnWait func(wait time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	mu      sync.Mutex
	queue   []*taskRecord
	running bool
}

// EventType names a queue event
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventCompleted EventType = "completed"
)

// Event represents a queue event
type Event struct {
	Type    EventType
	Lane    string
	TaskID  string
	TraceID string
	Data    map[string]interface{}
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// LaneStats is a snapshot of one lane
type LaneStats struct {
	Queued  int  `json:"queued"`
	Running bool `json:"running"`
}

// CommandQueue serialises tasks per lane and bounds total concurrency
type CommandQueue struct {
	mu     sync.RWMutex
	lanes  map[string]*laneState
	closed bool

	slots   *semaphore.Weighted
	metrics *metrics.Metrics
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	eventMu       sync.RWMutex
	eventHandlers map[EventType][]EventHandler
}

// Option customises a CommandQueue
type Option func(*CommandQueue)

// WithMaxConcurrent bounds how many lanes may run a task at once
func WithMaxConcurrent(n int) Option {
	return func(cq *CommandQueue) {
		if n > 0 {
			cq.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(cq *CommandQueue) {
		cq.metrics = m
	}
}

// New creates a CommandQueue. Without WithMaxConcurrent lanes are limited
// only by their own serialisation.
func New(opts ...Option) *CommandQueue {
	ctx, cancel := context.WithCancel(context.Background())

	cq := &CommandQueue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[EventType][]EventHandler),
	}
	for _, opt := range opts {
		opt(cq)
	}
	return cq
}

func (cq *CommandQueue) lane(name string) (*laneState, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.closed {
		return nil, ErrQueueClosed
	}
	ls, ok := cq.lanes[name]
	if !ok {
		ls = &laneState{}
		cq.lanes[name] = ls
		log.Debug().Str("lane", name).Msg("Lane initialized")
	}
	return ls, nil
}

// Enqueue adds a task to lane and waits for its result. If ctx is done
// before the task starts, the task is skipped and ctx.Err() returned.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ls, err := cq.lane(lane)
	if err != nil {
		return nil, err
	}

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	taskID, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	log.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queue_size", queueSize).
		Msg("Task enqueued")

	cq.metrics.SetQueueSize(lane, queueSize)
	cq.emit(Event{
		Type:   EventEnqueued,
		Lane:   lane,
		TaskID: taskID,
		Data:   map[string]interface{}{"queue_size": queueSize},
	})

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane, ls)
	}

	cq.dispatch(lane, ls)

	select {
	case result := <-record.result:
		return result.value, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatch starts the lane's runner unless one is already active. Tasks
// queued after Close began are rejected so no runner joins the wait group
// once Close is waiting on it.
func (cq *CommandQueue) dispatch(lane string, ls *laneState) {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if cq.closed {
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrQueueClosed}
		}
		ls.queue = nil
		return
	}
	if ls.running || len(ls.queue) == 0 {
		return
	}
	ls.running = true
	cq.wg.Add(1)
	go cq.runLane(lane, ls)
}

// runLane drains a lane one task at a time
func (cq *CommandQueue) runLane(lane string, ls *laneState) {
	defer cq.wg.Done()

	for {
		ls.mu.Lock()
		if len(ls.queue) == 0 {
			ls.running = false
			ls.mu.Unlock()
			return
		}
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.mu.Unlock()

		cq.execute(lane, ls, record)
	}
}

func (cq *CommandQueue) execute(lane string, ls *laneState, record *taskRecord) {
	if cq.ctx.Err() != nil {
		record.result <- taskResult{err: ErrQueueClosed}
		return
	}
	if err := record.ctx.Err(); err != nil {
		record.result <- taskResult{err: err}
		return
	}

	if cq.slots != nil {
		if err := cq.slots.Acquire(cq.ctx, 1); err != nil {
			record.result <- taskResult{err: ErrQueueClosed}
			return
		}
		defer cq.slots.Release(1)
	}

	runCtx, cancel := context.WithCancel(record.ctx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	var traceID string
	logger := log.With().
		Str("lane", lane).
		Str("task_id", record.id).
		Logger()

	value, err := tracing.RunInScope(runCtx, record.options.TraceID, func(ctx context.Context) (interface{}, error) {
		traceID, _ = tracing.CurrentTraceID(ctx)
		logger = tracing.LoggerFromContext(ctx, logger)

		ctx, span := tracing.StartSpan(ctx, tracerName, "commandqueue.execute_task",
			attribute.String("lane", lane),
			attribute.String("task_id", record.id),
		)
		defer span.End()

		value, err := record.task(ctx)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return value, err
	})

	duration := time.Since(startTime)

	ls.mu.Lock()
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	logger = logger.With().Dur("duration", duration).Logger()
	if err != nil {
		logger.Error().Err(err).Msg("Task failed")
	} else {
		logger.Debug().Msg("Task completed")
	}

	cq.metrics.RecordTaskCompletion(lane, duration, err == nil, queueSize)
	cq.emit(Event{
		Type:    EventCompleted,
		Lane:    lane,
		TaskID:  record.id,
		TraceID: traceID,
		Data: map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
			"success":     err == nil,
		},
	})
}

// startWarnTimer warns about tasks that wait too long in their lane
func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string, ls *laneState) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos < 0 {
			return
		}
		wait := time.Since(record.enqueuedAt)
		log.Warn().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("wait", wait).
			Int("queue_pos", queuePos).
			Msg("Task waiting longer than expected")

		if record.options.OnWait != nil {
			record.options.OnWait(wait, queuePos)
		}
	case <-record.ctx.Done():
	case <-cq.ctx.Done():
	}
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	cq.mu.RLock()
	ls, ok := cq.lanes[lane]
	cq.mu.RUnlock()
	if !ok {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetStats returns a snapshot of every lane
func (cq *CommandQueue) GetStats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for name, ls := range cq.lanes {
		ls.mu.Lock()
		stats[name] = LaneStats{Queued: len(ls.queue), Running: ls.running}
		ls.mu.Unlock()
	}
	return stats
}

// ClearLane rejects every queued task in lane with ErrLaneCleared. The
// running task, if any, is unaffected.
func (cq *CommandQueue) ClearLane(lane string) int {
	cq.mu.RLock()
	ls, ok := cq.lanes[lane]
	cq.mu.RUnlock()
	if !ok {
		return 0
	}

	ls.mu.Lock()
	dropped := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	for _, record := range dropped {
		record.result <- taskResult{err: ErrLaneCleared}
	}

	log.Info().Str("lane", lane).Int("cleared", len(dropped)).Msg("Lane cleared")
	cq.metrics.SetQueueSize(lane, 0)
	return len(dropped)
}

// Close stops accepting tasks, cancels running ones and waits for lane
// runners to exit
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.closed = true
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType EventType, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// emit calls handlers synchronously
func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
