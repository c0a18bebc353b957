package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"

	"github.com/fedbridge/bridgehub/internal/report"
)

const (
	// StreamTasks is the JetStream stream holding all task queues.
	StreamTasks = "BRIDGEHUB_TASKS"
	// subjectPrefix namespaces task subjects: tasks.<queue>.
	subjectPrefix = "tasks."
	// hdrNotBefore carries the earliest run time as unix seconds. Workers
	// NAK with the remaining delay until it passes.
	hdrNotBefore = "Bridgehub-Not-Before"

	fetchBatch = 10
)

// NATS is a JetStream-backed task queue.
type NATS struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// ConnectNATS connects to the server and ensures the task stream exists.
func ConnectNATS(url string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      StreamTasks,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("add stream: %w", err)
	}

	return &NATS{conn: conn, js: js}, nil
}

// Close drains the connection.
func (n *NATS) Close() {
	n.conn.Close()
}

// Enqueue publishes the task to its queue subject. Delay is encoded in a
// header; JetStream has no native delayed delivery, so workers re-NAK
// messages whose not-before time hasn't passed yet.
func (n *NATS) Enqueue(ctx context.Context, queue string, payload []byte, delay time.Duration) error {
	msg := nats.NewMsg(subjectPrefix + queue)
	msg.Data = payload
	if delay > 0 {
		notBefore := time.Now().Add(delay).Unix()
		msg.Header.Set(hdrNotBefore, strconv.FormatInt(notBefore, 10))
	}
	_, err := n.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

// Worker pulls tasks for one queue and runs them through a Handler.
type Worker struct {
	NATS     *NATS
	Queue    string
	Handler  Handler
	Clock    clockwork.Clock
	Reporter report.Reporter
	// Parallel is how many handler goroutines to run; 0 means 1.
	Parallel int
}

// Run pulls and processes messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.Clock == nil {
		w.Clock = clockwork.NewRealClock()
	}
	if w.Reporter == nil {
		w.Reporter = report.Logger{}
	}

	durable := "bridgehub-" + w.Queue
	sub, err := w.NATS.js.PullSubscribe(
		subjectPrefix+w.Queue,
		durable,
		nats.BindStream(StreamTasks),
		nats.AckExplicit(),
	)
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", w.Queue, err)
	}

	parallel := w.Parallel
	if parallel < 1 {
		parallel = 1
	}
	slog.Info("task worker started", "queue", w.Queue, "parallel", parallel)

	msgs := make(chan *nats.Msg)
	for i := 0; i < parallel; i++ {
		go func() {
			for msg := range msgs {
				w.process(ctx, msg)
			}
		}()
	}
	defer close(msgs)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		batch, err := sub.Fetch(fetchBatch, nats.Context(ctx))
		if err != nil {
			// Timeout and cancellation both land here; just poll again.
			continue
		}
		for _, msg := range batch {
			select {
			case msgs <- msg:
			case <-ctx.Done():
				_ = msg.Nak()
				return nil
			}
		}
	}
}

// process runs one message, honoring the not-before header. Decode failures
// terminate the message so poison pills don't redeliver forever.
func (w *Worker) process(ctx context.Context, msg *nats.Msg) {
	if hdr := msg.Header.Get(hdrNotBefore); hdr != "" {
		if notBefore, err := strconv.ParseInt(hdr, 10, 64); err == nil {
			if remaining := time.Unix(notBefore, 0).Sub(w.Clock.Now()); remaining > 0 {
				_ = msg.NakWithDelay(remaining)
				return
			}
		}
	}

	var task Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		w.Reporter.Error("malformed task payload", err, "queue", w.Queue)
		_ = msg.Term()
		return
	}

	if err := w.Handler(ctx, &task); err != nil {
		w.Reporter.Error("task failed", err, "queue", w.Queue, "id", task.ID)
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}
