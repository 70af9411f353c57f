package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeSource struct {
	mu      sync.Mutex
	records []Record
	calls   int
	marked  int
}

func (s *fakeSource) PublishPending(ctx context.Context, limit int, send func(context.Context, Record) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.records) == 0 {
		return 0, nil
	}
	batch := s.records
	if len(batch) > limit {
		batch = batch[:limit]
	}
	for _, rcd := range batch {
		if err := send(ctx, rcd); err != nil {
			return 0, err
		}
	}
	s.marked += len(batch)
	s.records = s.records[len(batch):]
	return len(batch), nil
}

func (s *fakeSource) markedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marked
}

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishOnce_MapsRecordsToMessages(t *testing.T) {
	source := &fakeSource{records: []Record{
		{ID: 1, EventID: "e1", AggregateID: "res-1", EventType: EventReservationCreated, Payload: []byte(`{"a":1}`)},
		{ID: 2, EventID: "e2", AggregateID: "res-1", EventType: EventReservationExtended, Payload: []byte(`{"a":2}`)},
		{ID: 3, EventID: "e3", AggregateID: "res-2", EventType: EventReservationDeleted, Payload: []byte(`{"a":3}`)},
	}}
	writer := &fakeWriter{}
	p := &Publisher{source: source, writer: writer, logger: quietLogger(), batchSize: 50}

	published, err := p.publishOnce(context.Background())
	if err != nil {
		t.Fatalf("publishOnce: %v", err)
	}
	if published != 3 {
		t.Fatalf("published = %d, want 3", published)
	}
	if len(writer.messages) != 3 {
		t.Fatalf("wrote %d messages, want 3", len(writer.messages))
	}

	first := writer.messages[0]
	if first.Topic != EventReservationCreated {
		t.Fatalf("topic = %q, want event type %q", first.Topic, EventReservationCreated)
	}
	if string(first.Key) != "res-1" {
		t.Fatalf("key = %q, want reservation id res-1", first.Key)
	}
	headers := map[string]string{}
	for _, h := range first.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event_id"] != "e1" || headers["event_type"] != EventReservationCreated {
		t.Fatalf("headers = %v, want event_id/event_type set", headers)
	}

	// A second drain finds nothing and writes nothing.
	published, err = p.publishOnce(context.Background())
	if err != nil {
		t.Fatalf("second publishOnce: %v", err)
	}
	if published != 0 || len(writer.messages) != 3 {
		t.Fatalf("second drain published %d (total %d messages), want 0 and 3", published, len(writer.messages))
	}
}

func TestPublishOnce_WriterFailureLeavesBatchUnmarked(t *testing.T) {
	source := &fakeSource{records: []Record{
		{ID: 1, EventID: "e1", AggregateID: "res-1", EventType: EventReservationCreated, Payload: []byte(`{}`)},
	}}
	writer := &fakeWriter{err: errors.New("broker down")}
	p := &Publisher{source: source, writer: writer, logger: quietLogger(), batchSize: 50}

	if _, err := p.publishOnce(context.Background()); err == nil {
		t.Fatalf("expected writer failure to propagate")
	}
	if source.marked != 0 {
		t.Fatalf("marked %d records despite failed send", source.marked)
	}
	if len(source.records) != 1 {
		t.Fatalf("record consumed despite failed send")
	}
}

func TestRun_DisabledWithoutBrokers(t *testing.T) {
	source := &fakeSource{records: []Record{
		{ID: 1, EventID: "e1", AggregateID: "res-1", EventType: EventReservationCreated, Payload: []byte(`{}`)},
	}}
	p := NewPublisher(nil, quietLogger(), PublisherConfig{})
	p.source = source

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return immediately with no brokers configured")
	}
	if source.calls != 0 {
		t.Fatalf("publisher polled the source despite being disabled")
	}
}

func TestRun_DrainsUntilCancelled(t *testing.T) {
	source := &fakeSource{records: []Record{
		{ID: 1, EventID: "e1", AggregateID: "res-1", EventType: EventReservationCreated, Payload: []byte(`{}`)},
		{ID: 2, EventID: "e2", AggregateID: "res-2", EventType: EventReservationCreated, Payload: []byte(`{}`)},
	}}
	writer := &fakeWriter{}
	p := NewPublisher(nil, quietLogger(), PublisherConfig{Brokers: "localhost:9092", PollEvery: time.Millisecond})
	p.source = source
	p.writer = writer

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for source.markedCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("publisher drained %d of 2 records before deadline", source.markedCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if len(writer.messages) != 2 {
		t.Fatalf("wrote %d messages, want 2", len(writer.messages))
	}
}
