// Package queue is the task dispatcher: it serializes tasks, applies
// per-user rate limits and delete delays, and hands them to a durable
// backend. An inline backend runs tasks synchronously for tests and the
// single-process deployment mode.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"

	"github.com/fedbridge/bridgehub/internal/report"
)

// DeleteTaskDelay is how long delete tasks wait before running, so that
// out-of-order create/delete pairs from parallel subscribers settle first.
const DeleteTaskDelay = 90 * time.Second

// perUserTaskRates spreads out tasks for bursty users: at most one task per
// user per queue per interval. Queues not listed here are unlimited.
var perUserTaskRates = map[string]time.Duration{
	"receive": 5 * time.Second,
}

// Task is one unit of deferred work.
type Task struct {
	Queue          string          `json:"queue"`
	ID             string          `json:"id"`
	SourceProtocol string          `json:"sourceProtocol,omitempty"`
	AuthedAs       string          `json:"authedAs,omitempty"`
	ReceivedAt     string          `json:"receivedAt,omitempty"`
	// Exactly one payload field is set, matching SourceProtocol; AS1 carries
	// synthesized activities (delete intents).
	Bsky  json.RawMessage `json:"bsky,omitempty"`
	Nostr json.RawMessage `json:"nostr,omitempty"`
	AS1   json.RawMessage `json:"as1,omitempty"`
}

// Backend durably stores tasks for later execution.
type Backend interface {
	Enqueue(ctx context.Context, queue string, payload []byte, delay time.Duration) error
}

// Handler runs one task. Returning an error requeues per backend policy.
type Handler func(ctx context.Context, task *Task) error

// Dispatcher is the single entry point for creating tasks.
type Dispatcher struct {
	Backend  Backend
	Clock    clockwork.Clock
	Reporter report.Reporter

	mu    sync.Mutex
	slots *gocache.Cache
}

// NewDispatcher creates a Dispatcher with the given backend.
func NewDispatcher(backend Backend, clock clockwork.Clock, reporter report.Reporter) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if reporter == nil {
		reporter = report.Logger{}
	}
	return &Dispatcher{
		Backend:  backend,
		Clock:    clock,
		Reporter: reporter,
		slots:    gocache.New(10*time.Minute, time.Minute),
	}
}

// CreateTask enqueues a task to run after max(now, next rate-limit slot) +
// delay. Errors are reported but never propagated: task creation must not
// block or fail the caller's request.
func (d *Dispatcher) CreateTask(ctx context.Context, task *Task, delay time.Duration) {
	eta := d.nextSlot(task.Queue, task.AuthedAs)
	total := eta.Sub(d.Clock.Now()) + delay
	if total < 0 {
		total = 0
	}

	payload, err := json.Marshal(task)
	if err != nil {
		d.Reporter.Error("task marshal failed", err, "id", task.ID)
		return
	}

	if err := d.Backend.Enqueue(ctx, task.Queue, payload, total); err != nil {
		d.Reporter.Error("task enqueue failed", err, "queue", task.Queue, "id", task.ID)
		return
	}
	slog.Debug("enqueued task", "queue", task.Queue, "id", task.ID,
		"authedAs", task.AuthedAs, "delay", total)
}

// nextSlot returns the earliest time a task for (queue, authedAs) may run,
// advancing the stored slot by the queue's per-user interval. An empty
// authedAs bypasses the limit. This is best-effort: racing callers may both
// get "now", which is fine.
func (d *Dispatcher) nextSlot(queue, authedAs string) time.Time {
	rate, ok := perUserTaskRates[queue]
	if !ok || authedAs == "" {
		return d.Clock.Now()
	}

	key := fmt.Sprintf("task-delay-%s-%s", queue, authedAs)
	now := d.Clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.slots.Get(key); ok {
		if prev := v.(time.Time); prev.After(now) {
			d.slots.Set(key, prev.Add(rate), gocache.DefaultExpiration)
			return prev
		}
	}
	d.slots.Set(key, now.Add(rate), gocache.DefaultExpiration)
	return now
}

// ─── Inline backend ───────────────────────────────────────────────────────────

// Inline runs tasks synchronously in the enqueueing goroutine. Delays are
// honored only as recorded metadata; tests assert on them via Enqueued.
type Inline struct {
	Handler Handler

	mu sync.Mutex
	// Enqueued records (queue, payload, delay) triples for assertions.
	Enqueued []InlineTask
}

// InlineTask is one recorded inline enqueue.
type InlineTask struct {
	Queue   string
	Payload []byte
	Delay   time.Duration
}

// Enqueue records the task and, if a Handler is set, runs it immediately.
func (i *Inline) Enqueue(ctx context.Context, queue string, payload []byte, delay time.Duration) error {
	i.mu.Lock()
	i.Enqueued = append(i.Enqueued, InlineTask{Queue: queue, Payload: payload, Delay: delay})
	i.mu.Unlock()

	if i.Handler == nil {
		return nil
	}
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("inline task decode: %w", err)
	}
	return i.Handler(ctx, &task)
}

// Tasks returns a copy of the recorded enqueues.
func (i *Inline) Tasks() []InlineTask {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]InlineTask, len(i.Enqueued))
	copy(out, i.Enqueued)
	return out
}
