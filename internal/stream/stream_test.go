package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/qff/internal/firewall"
	"github.com/mbd888/qff/internal/risk"
)

// fakeReader serves queued messages, then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	drained   chan struct{}
	closed    bool
}

func newFakeReader(values ...string) *fakeReader {
	r := &fakeReader{drained: make(chan struct{})}
	for i, v := range values {
		r.queue = append(r.queue, kafka.Message{Partition: 0, Offset: int64(i), Value: []byte(v)})
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
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
	if len(r.queue) == 0 {
		select {
		case <-r.drained:
		default:
			close(r.drained)
		}
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	failures int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) outcomes(t *testing.T) []OutcomeMessage {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]OutcomeMessage, 0, len(w.messages))
	for _, m := range w.messages {
		var o OutcomeMessage
		require.NoError(t, json.Unmarshal(m.Value, &o))
		out = append(out, o)
	}
	return out
}

type stubProcessor struct {
	mu    sync.Mutex
	calls []firewall.Request
}

func (p *stubProcessor) Process(_ context.Context, req firewall.Request) (*firewall.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if req.Transaction.Receiver == "explode" {
		return nil, errors.New("rail unavailable")
	}
	outcome := firewall.OutcomeExecuted
	if req.InterceptProbability != nil && *req.InterceptProbability >= 1 {
		outcome = firewall.OutcomeIntercepted
	}
	return &firewall.Result{
		TransactionID: "tx_" + req.Transaction.Receiver,
		Outcome:       outcome,
		Assessment:    &risk.Assessment{Score: 95},
	}, nil
}

func runUntilDrained(t *testing.T, c *Consumer, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	<-r.drained
	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_ProcessesAndPublishesInOrder(t *testing.T) {
	r := newFakeReader(
		`{"receiver":"alice","amount":"10","type":"UPI_PAYMENT"}`,
		`{"receiver":"bob","amount":25.5,"type":"CARD_PAYMENT","interceptProbability":1}`,
	)
	w := &fakeWriter{}
	p := &stubProcessor{}
	c := NewConsumerWith(r, w, p, nil)

	runUntilDrained(t, c, r)

	require.Len(t, p.calls, 2)
	assert.Equal(t, "25.5", p.calls[1].Transaction.Amount)
	require.NotNil(t, p.calls[1].InterceptProbability)
	assert.Nil(t, p.calls[0].InterceptProbability)

	outs := w.outcomes(t)
	require.Len(t, outs, 2)
	assert.Equal(t, "EXECUTED", outs[0].Outcome)
	assert.Equal(t, "tx_alice", outs[0].TransactionID)
	assert.Equal(t, "INTERCEPTED", outs[1].Outcome)
	assert.Equal(t, int64(1), outs[1].Offset)
	assert.Equal(t, []byte("tx_bob"), w.messages[1].Key)
	assert.Equal(t, []int64{0, 1}, r.committed)
}

func TestConsumer_PoisonMessagesAreCommitted(t *testing.T) {
	r := newFakeReader(
		`not json`,
		`{"amount":"10","type":"UPI_PAYMENT"}`,
		`{"receiver":"explode","amount":"10","type":"CARD_PAYMENT"}`,
		`{"receiver":"  \u0000 ","amount":"10","type":"CARD_PAYMENT"}`,
	)
	w := &fakeWriter{}
	p := &stubProcessor{}
	c := NewConsumerWith(r, w, p, nil)

	runUntilDrained(t, c, r)

	outs := w.outcomes(t)
	require.Len(t, outs, 4)
	assert.Equal(t, OutcomeRejected, outs[0].Outcome)
	assert.Equal(t, OutcomeRejected, outs[1].Outcome)
	assert.Equal(t, OutcomeFailed, outs[2].Outcome)
	assert.Contains(t, outs[2].Error, "rail unavailable")
	assert.Equal(t, OutcomeRejected, outs[3].Outcome, "a blank receiver is blank after sanitizing")
	assert.Len(t, p.calls, 1, "rejected messages never reach the pipeline")
	assert.Equal(t, []int64{0, 1, 2, 3}, r.committed)
}

func TestConsumer_RetriesPublish(t *testing.T) {
	r := newFakeReader(`{"receiver":"alice","amount":"10","type":"UPI_PAYMENT"}`)
	w := &fakeWriter{failures: 2}
	c := NewConsumerWith(r, w, &stubProcessor{}, nil)

	runUntilDrained(t, c, r)
	assert.Len(t, w.outcomes(t), 1)
}

func TestConsumer_PublishFailureStopsWithoutCommit(t *testing.T) {
	r := newFakeReader(`{"receiver":"alice","amount":"10","type":"UPI_PAYMENT"}`)
	w := &fakeWriter{failures: 10}
	c := NewConsumerWith(r, w, &stubProcessor{}, nil)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish outcome")
	assert.Empty(t, r.committed)
}

func TestNewConsumer_RequiresBrokersAndTopics(t *testing.T) {
	_, err := NewConsumer(Config{IngestTopic: "in", OutcomeTopic: "out"}, &stubProcessor{}, nil)
	assert.Error(t, err)
	_, err = NewConsumer(Config{Brokers: []string{"localhost:9092"}, IngestTopic: "in"}, &stubProcessor{}, nil)
	assert.Error(t, err)

	c, err := NewConsumer(Config{Brokers: []string{"localhost:9092"}, IngestTopic: "in", OutcomeTopic: "out", GroupID: "g"}, &stubProcessor{}, nil)
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}
