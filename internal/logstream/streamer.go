// Package logstream batches console output and lifecycle events and ships
// them to an ingestion endpoint in sequence order.
//
// Delivery is at-least-once: items still queued when the process is killed
// without Stop are lost, and a batch whose response was lost in transit may
// be delivered again with the same seq values.
package logstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/narvanalabs/sandbox-plane/internal/metrics"
	"github.com/narvanalabs/sandbox-plane/internal/models"
)

// Default intervals.
const (
	DefaultFlushInterval     = time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHTTPTimeout       = 15 * time.Second
)

// Config configures a Streamer.
type Config struct {
	// URL is the ingestion endpoint.
	URL string
	// Meta is merged into every payload next to the logs array.
	Meta map[string]any

	FlushInterval time.Duration
	// HeartbeatInterval is the idle time after the last successful send
	// before an empty payload is sent. Zero or negative disables heartbeats.
	HeartbeatInterval time.Duration

	HTTPClient *http.Client
	// Gzip compresses request bodies.
	Gzip bool
}

// Option configures optional Streamer behavior.
type Option func(*Streamer)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Streamer) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Streamer) {
		s.logger = logger
	}
}

// ItemOption annotates an enqueued item.
type ItemOption func(*models.LogItem)

// WithEvent tags the item with a lifecycle event.
func WithEvent(event string) ItemOption {
	return func(item *models.LogItem) {
		item.Event = event
	}
}

// Complete marks the item as the last one of the run and requests an
// immediate flush.
func Complete() ItemOption {
	return func(item *models.LogItem) {
		item.Complete = true
	}
}

// WithExitCode attaches the workload exit code to the item.
func WithExitCode(code int) ItemOption {
	return func(item *models.LogItem) {
		item.ExitCode = &code
	}
}

// StatusError is returned when the ingestion endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ingest returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("ingest returned status %d: %s", e.StatusCode, e.Body)
}

// flushCall is shared by every caller that joins one in-flight flush.
type flushCall struct {
	done chan struct{}
	err  error
}

// Streamer buffers log items and ships them in order.
type Streamer struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
	logger *slog.Logger

	mu         sync.Mutex
	queue      []models.LogItem
	seq        int64
	lastSendAt time.Time
	inflight   *flushCall
	stopping   bool

	// pending tracks flushes started by complete items.
	pending sync.WaitGroup

	runMu   sync.Mutex
	started bool
	stopped bool
	halt    chan struct{}
	loop    chan struct{}
}

// New creates a Streamer. Call Start to begin periodic flushing.
func New(cfg Config, opts ...Option) *Streamer {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	s := &Streamer{
		cfg:    cfg,
		client: cfg.HTTPClient,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	s.lastSendAt = s.now()
	return s
}

// Enqueue appends an item and returns its sequence number. It never blocks
// on the network and never fails.
func (s *Streamer) Enqueue(stream models.Stream, message string, opts ...ItemOption) int64 {
	s.mu.Lock()
	s.seq++
	item := models.LogItem{
		Seq:     s.seq,
		TS:      s.now().UnixMilli(),
		Stream:  stream,
		Message: message,
	}
	for _, opt := range opts {
		opt(&item)
	}
	s.queue = append(s.queue, item)

	// Once Stop has begun its final drain picks up the item.
	spawn := item.Complete && !s.stopping
	if spawn {
		s.pending.Add(1)
	}
	s.mu.Unlock()

	if spawn {
		go func() {
			defer s.pending.Done()
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Debug("flush after complete item failed", "error", err)
			}
		}()
	}
	return item.Seq
}

// Pending returns the number of queued, unacknowledged items.
func (s *Streamer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Flush sends a heartbeat if one is due and then drains the queue. If a
// flush is already in flight the caller waits for it and gets its result.
func (s *Streamer) Flush(ctx context.Context) error {
	return s.run(ctx, true)
}

func (s *Streamer) run(ctx context.Context, heartbeat bool) error {
	s.mu.Lock()
	if c := s.inflight; c != nil {
		s.mu.Unlock()
		select {
		case <-c.done:
			return c.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c := &flushCall{done: make(chan struct{})}
	s.inflight = c
	s.mu.Unlock()

	c.err = s.flush(ctx, heartbeat)
	close(c.done)

	return c.err
}

func (s *Streamer) flush(ctx context.Context, heartbeat bool) error {
	if heartbeat {
		s.heartbeat(ctx)
	}

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			// Cleared under the same lock as the empty check: an item
			// enqueued after it starts a new flush instead of joining this one.
			s.inflight = nil
			s.mu.Unlock()
			return nil
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		if err := s.send(ctx, batch); err != nil {
			metrics.ObserveLogBatch(false, len(batch))
			s.mu.Lock()
			// The failed batch goes back in front of anything enqueued
			// during the attempt. The full slice expression forces a copy.
			s.queue = append(batch[:len(batch):len(batch)], s.queue...)
			s.inflight = nil
			s.mu.Unlock()
			return err
		}

		metrics.ObserveLogBatch(true, len(batch))
		s.mu.Lock()
		s.lastSendAt = s.now()
		s.mu.Unlock()
	}
}

func (s *Streamer) heartbeat(ctx context.Context) {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}

	s.mu.Lock()
	due := len(s.queue) == 0 && s.now().Sub(s.lastSendAt) >= s.cfg.HeartbeatInterval
	s.mu.Unlock()
	if !due {
		return
	}

	if err := s.send(ctx, []models.LogItem{}); err != nil {
		// Heartbeat failures are ignored; the next tick tries again.
		metrics.ObserveHeartbeat(false)
		s.logger.Debug("heartbeat failed", "error", err)
		return
	}

	metrics.ObserveHeartbeat(true)
	s.mu.Lock()
	s.lastSendAt = s.now()
	s.mu.Unlock()
}

func (s *Streamer) send(ctx context.Context, batch []models.LogItem) error {
	payload := make(map[string]any, len(s.cfg.Meta)+1)
	for k, v := range s.cfg.Meta {
		payload[k] = v
	}
	payload["logs"] = batch

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	if s.cfg.Gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return fmt.Errorf("compressing payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compressing payload: %w", err)
		}
		body = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending logs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Start begins periodic flushing. Calling it more than once, or after Stop,
// has no effect.
func (s *Streamer) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.halt = make(chan struct{})
	s.loop = make(chan struct{})

	go s.tick(ctx, s.halt, s.loop)
}

func (s *Streamer) tick(ctx context.Context, halt, loop chan struct{}) {
	defer close(loop)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-halt:
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				// Items stay queued; the next tick retries.
				s.logger.Debug("periodic flush failed", "error", err)
			}
		}
	}
}

// Stop halts the periodic timer, waits for any in-flight flush and then
// drains the queue once more. It does not send a heartbeat. Calling Stop
// again returns nil.
func (s *Streamer) Stop(ctx context.Context) error {
	s.runMu.Lock()
	if s.stopped {
		s.runMu.Unlock()
		return nil
	}
	s.stopped = true
	halt, loop := s.halt, s.loop
	s.runMu.Unlock()

	if halt != nil {
		close(halt)
		<-loop
	}

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.pending.Wait()

	s.mu.Lock()
	c := s.inflight
	s.mu.Unlock()
	if c != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return s.run(ctx, false)
}
