package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finvault/notifier/internal/notification"
)

// fakeReader feeds a fixed message queue and records commits.
type fakeReader struct {
	mu      sync.Mutex
	queue   []kafka.Message
	commits [][]kafka.Message
	closed  bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		msg := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, msgs)
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReader) committed() [][]kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]kafka.Message{}, f.commits...)
}

// barrierRouter blocks every Route call until released, so the test
// can observe how many handlers run at once.
type barrierRouter struct {
	started chan string
	release chan struct{}
	err     error
}

func (r *barrierRouter) Route(ctx context.Context, req notification.Request) (*notification.RouteResult, error) {
	r.started <- req.UserID
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return &notification.RouteResult{NotificationID: uuid.New()}, nil
}

type stubDLQ struct {
	mu      sync.Mutex
	err     error
	records []*notification.DLQRecord
}

func (s *stubDLQ) Create(_ context.Context, rec *notification.DLQRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *stubDLQ) GetByID(context.Context, uuid.UUID) (*notification.DLQRecord, error) {
	return nil, notification.ErrDLQNotFound
}
func (s *stubDLQ) List(context.Context, notification.DLQFilter) ([]*notification.DLQRecord, error) {
	return nil, nil
}
func (s *stubDLQ) Claim(context.Context, uuid.UUID, string) error { return nil }
func (s *stubDLQ) Close(context.Context, uuid.UUID, notification.ReviewStatus, string, string) error {
	return nil
}
func (s *stubDLQ) Stats(context.Context) (*notification.DLQStats, error) {
	return &notification.DLQStats{}, nil
}

func eventMessage(t *testing.T, eventType, userID string, offset int64) kafka.Message {
	t.Helper()
	value := fmt.Sprintf(
		`{"eventType":%q,"timestamp":%q,"payload":{"userId":%q,"sourceId":"src-%d"}}`,
		eventType, time.Now().Format(time.RFC3339), userID, offset,
	)
	return kafka.Message{Topic: "transactions", Partition: 0, Offset: offset, Value: []byte(value)}
}

func newTestConsumer(reader *fakeReader, router Router, dlq notification.DLQStore, batchSize, concurrency int) *Consumer {
	return &Consumer{
		config: ConsumerConfig{
			Topic:       "transactions",
			BatchSize:   batchSize,
			Concurrency: concurrency,
			Kinds:       TransactionEvents,
		},
		reader: reader,
		router: router,
		dlq:    dlq,
	}
}

func TestRun_BatchHandledConcurrently(t *testing.T) {
	const batch = 4

	reader := &fakeReader{}
	for i := 0; i < batch; i++ {
		reader.queue = append(reader.queue, eventMessage(t, "transfer.failed", fmt.Sprintf("user-%d", i), int64(i)))
	}
	router := &barrierRouter{
		started: make(chan string, batch),
		release: make(chan struct{}),
	}
	consumer := newTestConsumer(reader, router, &stubDLQ{}, batch, batch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	// Every message of the batch reaches a handler before any handler
	// finished: in-batch handling is concurrent.
	for i := 0; i < batch; i++ {
		select {
		case <-router.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d handlers started concurrently", i, batch)
		}
	}
	assert.Empty(t, reader.committed(), "offsets must not advance before the batch finishes")

	close(router.release)
	require.Eventually(t, func() bool { return len(reader.committed()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, reader.committed()[0], batch)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, reader.closed)
}

func TestRun_HaltsWithoutCommitWhenDeadLetterFails(t *testing.T) {
	reader := &fakeReader{
		queue: []kafka.Message{eventMessage(t, "transfer.failed", "user-1", 0)},
	}
	router := &barrierRouter{
		started: make(chan string, 1),
		release: make(chan struct{}),
		err:     errors.New("pq: connection refused"),
	}
	close(router.release)
	dlq := &stubDLQ{err: errors.New("pq: connection refused")}
	consumer := newTestConsumer(reader, router, dlq, 1, 1)

	err := consumer.Run(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.Canceled)

	// Nothing was committed: the broker redelivers after restart.
	assert.Empty(t, reader.committed())
}
