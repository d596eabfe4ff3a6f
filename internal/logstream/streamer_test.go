package logstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/narvanalabs/sandbox-plane/internal/models"
)

type received struct {
	meta map[string]json.RawMessage
	logs []models.LogItem
}

// ingestRecorder is an ingestion endpoint that records decoded payloads.
type ingestRecorder struct {
	mu       sync.Mutex
	payloads []received
	failNext int
	release  chan struct{}
}

func (r *ingestRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.release != nil {
		<-r.release
	}

	var body io.Reader = req.Body
	if req.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext > 0 {
		r.failNext--
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}

	var logs []models.LogItem
	if err := json.Unmarshal(raw["logs"], &logs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	delete(raw, "logs")
	r.payloads = append(r.payloads, received{meta: raw, logs: logs})
	w.WriteHeader(http.StatusAccepted)
}

func (r *ingestRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *ingestRecorder) get(i int) received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payloads[i]
}

func seqs(items []models.LogItem) []int64 {
	out := make([]int64, len(items))
	for i, item := range items {
		out[i] = item.Seq
	}
	return out
}

func equalSeqs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestFlushBatchesInOrder(t *testing.T) {
	rec := &ingestRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := New(Config{URL: srv.URL})
	for i, msg := range []string{"one", "two", "three"} {
		if got := s.Enqueue(models.StreamStdout, msg); got != int64(i+1) {
			t.Fatalf("Enqueue(%q) seq = %d, want %d", msg, got, i+1)
		}
	}

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("requests = %d, want 1", rec.count())
	}
	got := rec.get(0).logs
	if !equalSeqs(seqs(got), []int64{1, 2, 3}) {
		t.Errorf("seqs = %v, want [1 2 3]", seqs(got))
	}
	if got[0].Message != "one" || got[2].Message != "three" {
		t.Errorf("messages out of order: %+v", got)
	}
}

func TestCompleteThenStopSendsOnce(t *testing.T) {
	rec := &ingestRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := New(Config{URL: srv.URL, FlushInterval: time.Hour})
	s.Start(context.Background())
	s.Enqueue(models.StreamStdout, "done", WithEvent("BUILD_SUCCEEDED"), Complete())

	waitFor(t, func() bool { return rec.count() == 1 })

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("requests = %d, want 1", rec.count())
	}
	item := rec.get(0).logs[0]
	if !item.Complete || item.Event != "BUILD_SUCCEEDED" {
		t.Errorf("item = %+v, want complete BUILD_SUCCEEDED", item)
	}
}

func TestStopImmediatelyAfterCompleteSendsOnce(t *testing.T) {
	rec := &ingestRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := New(Config{URL: srv.URL, FlushInterval: time.Hour})
	s.Start(context.Background())
	s.Enqueue(models.StreamStdout, "done", Complete())

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("requests = %d, want 1", rec.count())
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func (r *ingestRecorder) delivered(seq int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payloads {
		for _, item := range p.logs {
			if item.Seq == seq {
				return true
			}
		}
	}
	return false
}

// A complete item racing the end of another flush is sent without waiting
// for a tick or an explicit flush.
func TestCompleteRacingFlushEndIsSent(t *testing.T) {
	for i := 0; i < 50; i++ {
		rec := &ingestRecorder{}
		srv := httptest.NewServer(rec)
		s := New(Config{URL: srv.URL, FlushInterval: time.Hour})

		s.Enqueue(models.StreamStdout, "output")
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = s.Flush(context.Background())
		}()
		seq := s.Enqueue(models.StreamStdout, "finished", Complete())

		waitFor(t, func() bool { return rec.delivered(seq) })
		<-done
		if err := s.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
		srv.Close()
	}
}

func TestRetryPreservesOrder(t *testing.T) {
	rec := &ingestRecorder{failNext: 1}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := New(Config{URL: srv.URL})
	s.Enqueue(models.StreamStdout, "a")
	s.Enqueue(models.StreamStderr, "b")

	err := s.Flush(context.Background())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("first Flush() error = %v, want StatusError 500", err)
	}
	if s.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", s.Pending())
	}

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush() error = %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("recorded = %d, want 1", rec.count())
	}
	got := rec.get(0).logs
	if !equalSeqs(seqs(got), []int64{1, 2}) {
		t.Errorf("seqs = %v, want [1 2]", seqs(got))
	}
	if got[1].Stream != models.StreamStderr {
		t.Errorf("stream = %q, want stderr", got[1].Stream)
	}
}

func TestFailedBatchGoesBeforeNewItems(t *testing.T) {
	rec := &ingestRecorder{failNext: 1}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := New(Config{URL: srv.URL})
	s.Enqueue(models.StreamStdout, "a")
	s.Enqueue(models.StreamStdout, "b")
	if err := s.Flush(context.Background()); err == nil {
		t.Fatal("expected first Flush() to fail")
	}
	s.Enqueue(models.StreamStdout, "c")

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := seqs(rec.get(0).logs); !equalSeqs(got, []int64{1, 2, 3}) {
		t.Errorf("seqs = %v, want [1 2 3]", got)
	}
}

func TestHeartbeatMeasuredFromLastSend(t *testing.T) {
	rec := &ingestRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	clock := newFakeClock()
	s := New(Config{URL: srv.URL, HeartbeatInterval: 30 * time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	clock.Advance(20 * time.Second)
	s.Enqueue(models.StreamStdout, "work")
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("requests = %d, want 1", rec.count())
	}

	// 40s after start but only 20s after the last send.
	clock.Advance(20 * time.Second)
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("heartbeat sent early: requests = %d, want 1", rec.count())
	}

	clock.Advance(10 * time.Second)
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if rec.count() != 2 {
		t.Fatalf("requests = %d, want 2", rec.count())
	}
	if n := len(rec.get(1).logs); n != 0 {
		t.Errorf("heartbeat carried %d logs, want 0", n)
	}
}

func TestHeartbeatFailureIsIgnored(t *testing.T) {
	rec := &ingestRecorder{failNext: 1}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	clock := newFakeClock()
	s := New(Config{URL: srv.URL, HeartbeatInterval: time.Second}, WithClock(clock.Now))
	clock.Advance(2 * time.Second)

	if err := s.Flush(context.Background()); err != nil {
		t.Errorf("Flush() error = %v, want nil when only the heartbeat fails", err)
	}
}

func TestConcurrentFlushJoinsInFlight(t *testing.T) {
	rec := &ingestRecorder{release: make(chan struct{})}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := New(Config{URL: srv.URL})
	s.Enqueue(models.StreamStdout, "a")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Flush(context.Background())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(rec.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Flush() error = %v", err)
		}
	}
	if rec.count() != 1 {
		t.Errorf("requests = %d, want 1", rec.count())
	}
}

// TestUnflushedItemsAreNotDelivered documents the at-least-once contract:
// items enqueued on a streamer that is never flushed or stopped stay queued
// and would be lost on a hard kill.
func TestUnflushedItemsAreNotDelivered(t *testing.T) {
	rec := &ingestRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := New(Config{URL: srv.URL})
	s.Enqueue(models.StreamStdout, "lost on kill")

	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("requests = %d, want 0", rec.count())
	}
	if s.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", s.Pending())
	}
}

func TestPeriodicFlush(t *testing.T) {
	rec := &ingestRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := New(Config{URL: srv.URL, FlushInterval: 10 * time.Millisecond})
	s.Start(context.Background())
	s.Start(context.Background())
	s.Enqueue(models.StreamStdout, "tick")

	waitFor(t, func() bool { return rec.count() == 1 })
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestMetaAndGzip(t *testing.T) {
	rec := &ingestRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := New(Config{
		URL:  srv.URL,
		Meta: map[string]any{"buildId": "b-1", "kind": "build"},
		Gzip: true,
	})
	s.Enqueue(models.StreamStdout, strings.Repeat("x", 1024))
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	got := rec.get(0)
	var buildID string
	if err := json.Unmarshal(got.meta["buildId"], &buildID); err != nil || buildID != "b-1" {
		t.Errorf("buildId = %q (%v), want b-1", buildID, err)
	}
	if len(got.logs) != 1 || len(got.logs[0].Message) != 1024 {
		t.Errorf("logs = %+v", got.logs)
	}
}
