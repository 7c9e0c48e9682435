package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/common/models"
)

// fakeReader hands out queued messages, then blocks until ctx is cancelled.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func eventMessage(t *testing.T, offset int64) kafka.Message {
	t.Helper()
	body, err := json.Marshal(models.Event{ID: "evt", Type: models.EventPatientDeleted})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Offset: offset, Value: body}
}

func TestConsumeRetriesFailingHandlerBeforeCommit(t *testing.T) {
	logger.Discard()
	reader := &fakeReader{queue: []kafka.Message{eventMessage(t, 7)}}
	consumer := &Consumer{reader: reader}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	handler := func(context.Context, models.Event) error {
		calls++
		if calls < handlerAttempts {
			return errors.New("store unavailable")
		}
		cancel()
		return nil
	}
	consumer.Consume(ctx, handler)

	if calls != handlerAttempts {
		t.Fatalf("expected %d handler calls, got %d", handlerAttempts, calls)
	}
	if len(reader.committed) != 1 || reader.committed[0] != 7 {
		t.Fatalf("expected offset 7 committed once after success, got %v", reader.committed)
	}
}

func TestConsumeSkipsAfterExhaustingRetries(t *testing.T) {
	logger.Discard()
	reader := &fakeReader{queue: []kafka.Message{eventMessage(t, 1), {Offset: 2, Value: []byte("not json")}}}
	consumer := &Consumer{reader: reader}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	handler := func(context.Context, models.Event) error {
		calls++
		return errors.New("always failing")
	}
	done := make(chan struct{})
	go func() {
		consumer.Consume(ctx, handler)
		close(done)
	}()
	for {
		reader.mu.Lock()
		n := len(reader.committed)
		reader.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if calls != handlerAttempts {
		t.Fatalf("expected %d attempts, got %d", handlerAttempts, calls)
	}
	if reader.committed[0] != 1 || reader.committed[1] != 2 {
		t.Fatalf("expected offsets committed in order, got %v", reader.committed)
	}
}

func TestProcessStopsWhenContextEnds(t *testing.T) {
	logger.Discard()
	consumer := &Consumer{reader: &fakeReader{}, retryDelay: 1 << 40}
	ctx, cancel := context.WithCancel(context.Background())
	handler := func(context.Context, models.Event) error {
		cancel()
		return errors.New("fail")
	}
	if consumer.process(ctx, eventMessage(t, 3), handler) {
		t.Fatal("expected the message to stay uncommitted when ctx ends mid-retry")
	}
}
