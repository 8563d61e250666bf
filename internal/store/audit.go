package store

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// AuditSink receives audit trail entries.
type AuditSink interface {
	LogAuditEvent(ctx context.Context, ev *AuditEvent) error
}

// AuditWriter buffers billing audit events and writes them to the sink in
// the background so the execute/settle paths never block on the database.
// Entries are dropped (with a warning) when the buffer is full; the store
// itself remains the source of truth, the audit trail is history.
type AuditWriter struct {
	sink AuditSink
	ch   chan *AuditEvent
	wg   sync.WaitGroup
	done chan struct{}
}

func NewAuditWriter(sink AuditSink, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		sink: sink,
		ch:   make(chan *AuditEvent, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Record enqueues an audit event, filling in id and timestamp.
func (w *AuditWriter) Record(ev *AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	select {
	case w.ch <- ev:
	default:
		log.Warn().Str("session_id", ev.SessionID).Str("kind", ev.Kind).
			Msg("audit buffer full, dropping event")
	}
}

// Flush drains the buffer, waiting at most timeout.
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
		case ev := <-w.ch:
			w.writeWithRetry(ev)
		case <-w.done:
			for {
				select {
				case ev := <-w.ch:
					w.writeWithRetry(ev)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(ev *AuditEvent) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.sink.LogAuditEvent(ctx, ev)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("session_id", ev.SessionID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("session_id", ev.SessionID).
				Msg("audit write failed permanently after retries")
		}
	}
}
