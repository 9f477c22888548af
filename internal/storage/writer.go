package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Sink persists audit records. *DB is the production sink.
type Sink interface {
	LogExecution(ctx context.Context, exec *Execution) error
	LogFinding(ctx context.Context, f *FindingRecord) error
}

// Record is one execution plus the findings raised for it.
type Record struct {
	Execution *Execution
	Findings  []FindingRecord
}

// AuditWriter persists records off the request path. When the buffer is full
// records are dropped rather than blocking an execution.
type AuditWriter struct {
	sink    Sink
	ch      chan Record
	wg      sync.WaitGroup
	done    chan struct{}
	backoff time.Duration

	mu      sync.Mutex
	dropped int
}

func NewAuditWriter(sink Sink, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		sink:    sink,
		ch:      make(chan Record, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log enqueues rec without blocking.
func (w *AuditWriter) Log(rec Record) {
	select {
	case w.ch <- rec:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		log.Warn().Str("exec_id", rec.Execution.ID).Msg("audit buffer full, dropping log entry")
	}
}

// Dropped returns how many records were discarded because the buffer was full.
func (w *AuditWriter) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Flush stops the writer and waits up to timeout for queued records.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.ch:
			w.write(rec)
		case <-w.done:
			for {
				select {
				case rec := <-w.ch:
					w.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) write(rec Record) {
	if !w.withRetry(rec.Execution.ID, func(ctx context.Context) error {
		return w.sink.LogExecution(ctx, rec.Execution)
	}) {
		return
	}
	for i := range rec.Findings {
		f := &rec.Findings[i]
		w.withRetry(rec.Execution.ID, func(ctx context.Context) error {
			return w.sink.LogFinding(ctx, f)
		})
	}
}

func (w *AuditWriter) withRetry(execID string, op func(ctx context.Context) error) bool {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := op(ctx)
		cancel()

		if err == nil {
			return true
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("exec_id", execID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("exec_id", execID).
				Msg("audit write failed permanently after retries")
		}
	}
	return false
}
