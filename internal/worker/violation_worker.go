package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// violationStore is the part of the violation repository the worker writes to.
type violationStore interface {
	CopyBatch(ctx context.Context, batch []*model.ExamModeViolation) (int64, error)
	Insert(ctx context.Context, v *model.ExamModeViolation) error
}

// ViolationWorker drains the violation audit queue into Postgres.
type ViolationWorker struct {
	store violationStore
	rdb   *redis.Client
	log   zerolog.Logger
	// backoff is slept after requeueing a failed batch.
	backoff time.Duration
}

func NewViolationWorker(store violationStore, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		store:   store,
		rdb:     rdb,
		log:     log.With().Str("component", "violation_worker").Logger(),
		backoff: 2 * time.Second,
	}
}

func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]*model.ExamModeViolation, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Flush on size or age
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis; BLPop returns immediately if data exists
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleepCtx(ctx, 3*time.Second)
			continue
		}

		// 4. Decode
		if len(result) < 2 {
			continue
		}
		entry, ok := w.decode(result[1])
		if !ok {
			continue
		}
		buffer = append(buffer, entry)
	}
}

// decode parses one queued entry. Malformed entries cannot be retried and
// are dropped.
func (w *ViolationWorker) decode(raw string) (*model.ExamModeViolation, bool) {
	var v model.ExamModeViolation
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed JSON")
		return nil, false
	}
	if !v.EventType.Valid() {
		w.log.Error().Str("event_type", string(v.EventType)).Msg("Discarding violation with unknown event type")
		return nil, false
	}
	return &v, true
}

// flushSafe attempts bulk insert, then fallback insert, then requeue.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []*model.ExamModeViolation) {
	if _, err := w.store.CopyBatch(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
		return
	}
	w.log.Debug().Int("count", len(batch)).Msg("Violation batch persisted")
}

func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []*model.ExamModeViolation) {
	requeueList := make([]*model.ExamModeViolation, 0)

	for _, v := range batch {
		// Insert ignores duplicates, so entries already written by a partial
		// COPY are safe to replay.
		if err := w.store.Insert(ctx, v); err != nil {
			w.log.Error().Err(err).Str("violation_id", v.ID.String()).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, v)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []*model.ExamModeViolation) {
	pipe := w.rdb.Pipeline()
	for _, v := range items {
		data, _ := json.Marshal(v)
		pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue violations to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed violations back to Redis")
	// Avoid thrashing while the database is down
	sleepCtx(ctx, w.backoff)
}

func (w *ViolationWorker) shutdown(buffer []*model.ExamModeViolation) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
