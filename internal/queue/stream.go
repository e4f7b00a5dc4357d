package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// MirrorJob asks a worker to bring the catalog row of SlotID back in line
// with the slot after a best-effort refresh failed.
type MirrorJob struct {
	JobID      string
	SlotID     string
	Name       string
	Reason     string
	EnqueuedAt time.Time
	Attempts   int
}

// fields flattens the job into stream entry values.
func (j MirrorJob) fields() map[string]any {
	v := map[string]any{
		"job_id":      j.JobID,
		"slot_id":     j.SlotID,
		"reason":      j.Reason,
		"enqueued_at": j.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		"attempts":    strconv.Itoa(j.Attempts),
	}
	if j.Name != "" {
		v["name"] = j.Name
	}
	return v
}

func parseJob(values map[string]any) (MirrorJob, error) {
	str := func(k string) string {
		s, _ := values[k].(string)
		return s
	}
	job := MirrorJob{
		JobID:  str("job_id"),
		SlotID: str("slot_id"),
		Name:   str("name"),
		Reason: str("reason"),
	}
	if job.SlotID == "" {
		return MirrorJob{}, errors.New("entry without slot_id")
	}
	if raw := str("enqueued_at"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return MirrorJob{}, fmt.Errorf("enqueued_at: %w", err)
		}
		job.EnqueuedAt = t
	}
	if raw := str("attempts"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return MirrorJob{}, fmt.Errorf("attempts: %w", err)
		}
		job.Attempts = n
	}
	return job, nil
}

// StreamQueue is a redis stream read through one consumer group. Entries are
// deleted once acknowledged.
type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	logger   zerolog.Logger
}

type Message struct {
	ID  string
	Job MirrorJob
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
		logger:   zerolog.Nop(),
	}
}

// WithLogger reports dropped entries to logger.
func (q *StreamQueue) WithLogger(logger zerolog.Logger) *StreamQueue {
	q.logger = logger.With().Str("component", "queue").Str("stream", q.stream).Logger()
	return q
}

func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", q.group, q.stream, err)
	}
	return nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, job MirrorJob) (string, error) {
	if strings.TrimSpace(job.SlotID) == "" {
		return "", errors.New("mirror job without slot id")
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	id, err := q.redis.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: job.fields()}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", q.stream, err)
	}
	return id, nil
}

// Read returns up to count new entries for this consumer, blocking for the
// configured duration when the stream is empty. Entries that cannot be decoded
// are acknowledged and dropped.
func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	streams, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", q.stream, err)
	}

	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			job, err := parseJob(m.Values)
			if err != nil {
				q.logger.Warn().Err(err).Str("msg_id", m.ID).Msg("dropping malformed entry")
				if ackErr := q.Ack(ctx, m.ID); ackErr != nil {
					q.logger.Error().Err(ackErr).Str("msg_id", m.ID).Msg("failed to drop malformed entry")
				}
				continue
			}
			out = append(out, Message{ID: m.ID, Job: job})
		}
	}
	return out, nil
}

func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	_, err := q.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, q.stream, q.group, messageID)
		p.XDel(ctx, q.stream, messageID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", messageID, err)
	}
	return nil
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}
