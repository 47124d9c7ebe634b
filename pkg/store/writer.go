package store

import (
	"context"
	"sync"
	"time"

	"github.com/harun/codesphere/internal/observability"
	"github.com/rs/zerolog"
)

// DefaultQueueSize is the write queue depth used when the config leaves
// it unset.
const DefaultQueueSize = 256

type upsertJob struct {
	sessionID string
	fields    map[string]interface{}
}

// Writer decouples persistence from the relay's message flow. Enqueue
// never blocks: when the queue is full the write is dropped and logged,
// never stalling a broadcast. In-memory state remains authoritative, so
// a store outage degrades durability, not availability.
type Writer struct {
	store  *Store
	jobs   chan upsertJob
	logger zerolog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWriter starts the background write worker.
func NewWriter(store *Store, queueSize int, logger zerolog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	w := &Writer{
		store:  store,
		jobs:   make(chan upsertJob, queueSize),
		logger: logger,
	}

	w.wg.Add(1)
	go w.run()

	return w
}

// Enqueue submits a field upsert without blocking the caller. Failures
// are never surfaced to clients.
func (w *Writer) Enqueue(sessionID string, fields map[string]interface{}) {
	select {
	case w.jobs <- upsertJob{sessionID: sessionID, fields: fields}:
	default:
		w.logger.Warn().
			Str("sessionId", sessionID).
			Msg("Persistence queue full, dropping write")
		observability.RecordStoreWriteFailure()
	}
}

func (w *Writer) run() {
	defer w.wg.Done()

	for job := range w.jobs {
		start := time.Now()
		if err := w.store.Upsert(context.Background(), job.sessionID, job.fields); err != nil {
			w.logger.Error().
				Err(err).
				Str("sessionId", job.sessionID).
				Msg("Failed to persist session fields")
			observability.RecordStoreWriteFailure()
			continue
		}
		observability.RecordStoreWrite(time.Since(start))
	}
}

// Close drains the queue and stops the worker.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.jobs)
	})
	w.wg.Wait()
}
