package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AllThePasswords/conversationfirst-sub000/internal/util"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/memory"
)

// SummaryQueue dispatches finished turns through a RedisJobQueue so summaries
// survive a restart of the chat service.
type SummaryQueue struct {
	jobs *RedisJobQueue
}

func NewSummaryQueue(jobs *RedisJobQueue) *SummaryQueue {
	return &SummaryQueue{jobs: jobs}
}

// Dispatch enqueues rec. Enqueue failures are logged; the turn itself has
// already been persisted.
func (q *SummaryQueue) Dispatch(ctx context.Context, rec memory.TurnRecord) {
	if !rec.Qualifies() {
		return
	}
	logger := util.LoggerFromContext(ctx)
	payload, err := json.Marshal(rec)
	if err != nil {
		logger.Warn("encode summary job failed", "conversation_id", rec.ConversationID, "err", err)
		return
	}
	job, err := q.jobs.Enqueue(context.WithoutCancel(ctx), string(payload))
	if err != nil {
		logger.Warn("enqueue summary job failed", "conversation_id", rec.ConversationID, "err", err)
		return
	}
	logger.Debug("summary job queued", "job_id", job.ID, "conversation_id", rec.ConversationID, "turn_index", rec.TurnIndex)
}

// Start runs summary workers until ctx is done.
func (q *SummaryQueue) Start(ctx context.Context, concurrency int, summarizer *memory.Summarizer) {
	q.jobs.Start(ctx, concurrency, SummaryHandler(summarizer))
}

// SummaryHandler decodes a queued TurnRecord and summarizes it. Malformed
// payloads are dropped rather than retried.
func SummaryHandler(summarizer *memory.Summarizer) JobHandler {
	return func(ctx context.Context, job JobStatus) error {
		var rec memory.TurnRecord
		if err := json.Unmarshal([]byte(job.Payload), &rec); err != nil {
			util.LoggerFromContext(ctx).Warn("drop malformed summary job", "job_id", job.ID, "err", err)
			return nil
		}
		if err := summarizer.Process(ctx, rec); err != nil {
			return fmt.Errorf("summarize job %s: %w", job.ID, err)
		}
		return nil
	}
}
