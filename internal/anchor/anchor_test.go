package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    map[string]int
	block    bool
}

func (s *flakySink) Anchor(ctx context.Context, attestationID, payloadHash string) (string, error) {
	s.mu.Lock()
	s.calls[attestationID]++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if fail {
		return "", errors.New("ledger unavailable")
	}
	return "ref-" + payloadHash, nil
}

func (s *flakySink) callCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type memoryRecorder struct {
	mu   sync.Mutex
	refs map[string]string
}

func (r *memoryRecorder) RecordAnchor(_ context.Context, attestationID, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.refs[attestationID]; !ok {
		r.refs[attestationID] = ref
	}
	return nil
}

func (r *memoryRecorder) get(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.refs[id]
	return ref, ok
}

func TestDispatcherRetriesThenRecords(t *testing.T) {
	sink := &flakySink{failures: 2, calls: map[string]int{}}
	rec := &memoryRecorder{refs: map[string]string{}}
	d := NewDispatcher(sink, DispatcherConfig{Workers: 1, QueueSize: 4, Timeout: time.Second, MaxAttempts: 3, RetryDelay: time.Millisecond})
	d.Start(context.Background(), rec)
	defer d.Stop()

	require.True(t, d.Enqueue(Request{AttestationID: "a1", PayloadHash: "h1"}))

	assert.Eventually(t, func() bool {
		ref, ok := rec.get("a1")
		return ok && ref == "ref-h1"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, sink.callCount("a1"))
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	sink := &flakySink{failures: 10, calls: map[string]int{}}
	rec := &memoryRecorder{refs: map[string]string{}}
	d := NewDispatcher(sink, DispatcherConfig{Workers: 1, QueueSize: 4, Timeout: time.Second, MaxAttempts: 2, RetryDelay: time.Millisecond})
	d.Start(context.Background(), rec)

	require.True(t, d.Enqueue(Request{AttestationID: "a1", PayloadHash: "h1"}))
	assert.Eventually(t, func() bool { return sink.callCount("a1") == 2 }, time.Second, 5*time.Millisecond)
	d.Stop()

	_, ok := rec.get("a1")
	assert.False(t, ok)
}

func TestDispatcherBoundsEachAttempt(t *testing.T) {
	sink := &flakySink{block: true, calls: map[string]int{}}
	rec := &memoryRecorder{refs: map[string]string{}}
	d := NewDispatcher(sink, DispatcherConfig{Workers: 1, QueueSize: 4, Timeout: 10 * time.Millisecond, MaxAttempts: 1})
	d.Start(context.Background(), rec)
	defer d.Stop()

	start := time.Now()
	require.True(t, d.Enqueue(Request{AttestationID: "a1", PayloadHash: "h1"}))
	require.True(t, d.Enqueue(Request{AttestationID: "a2", PayloadHash: "h2"}))
	assert.Eventually(t, func() bool { return sink.callCount("a2") == 1 }, time.Second, time.Millisecond)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestEnqueueDeduplicatesAndNeverBlocks(t *testing.T) {
	sink := &flakySink{calls: map[string]int{}}
	d := NewDispatcher(sink, DispatcherConfig{Workers: 1, QueueSize: 1})

	assert.True(t, d.Enqueue(Request{AttestationID: "a1"}))
	assert.False(t, d.Enqueue(Request{AttestationID: "a1"}), "duplicate while queued")
	assert.False(t, d.Enqueue(Request{AttestationID: "a2"}), "queue full")

	rec := &memoryRecorder{refs: map[string]string{}}
	d.Start(context.Background(), rec)
	defer d.Stop()
	assert.Eventually(t, func() bool { _, ok := rec.get("a1"); return ok }, time.Second, time.Millisecond)
	assert.True(t, d.Enqueue(Request{AttestationID: "a2"}))
}

func TestDisabledSinkIsNotRetried(t *testing.T) {
	d := NewDispatcher(DisabledSink{}, DispatcherConfig{MaxAttempts: 5, RetryDelay: time.Second})
	rec := &memoryRecorder{refs: map[string]string{}}

	done := make(chan struct{})
	go func() {
		d.process(context.Background(), Request{AttestationID: "a1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("disabled sink was retried")
	}
	_, ok := rec.get("a1")
	assert.False(t, ok)
}

type captureProducer struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

func (p *captureProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.topic, p.key, p.value, p.headers = topic, key, value, headers
	return nil
}

func TestKafkaSink(t *testing.T) {
	producer := &captureProducer{}
	sink := NewKafkaSink(producer, "anchors", "SHA-256")

	ref, err := sink.Anchor(context.Background(), "att-1", "abc")
	require.NoError(t, err)
	assert.Equal(t, Reference("anchors", "abc"), ref)
	assert.Equal(t, "anchors", producer.topic)
	assert.Equal(t, []byte("att-1"), producer.key)
	assert.Equal(t, "SHA-256", producer.headers["hash-method"])

	var record Record
	require.NoError(t, json.Unmarshal(producer.value, &record))
	assert.Equal(t, "att-1", record.AttestationID)
	assert.Equal(t, "abc", record.PayloadHash)

	again, err := sink.Anchor(context.Background(), "att-1", "abc")
	require.NoError(t, err)
	assert.Equal(t, ref, again)
}
