package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

const (
	fieldPayload = "payload"
	fieldAttempt = "attempt"
	fieldError   = "error"

	readBlock = 5 * time.Second
	readCount = 1

	// reclaimMinIdle is how long a pending entry must sit unacked before
	// another consumer may take it over. Longer than any markBuilding
	// round-trip, far shorter than a build.
	reclaimMinIdle = time.Minute
	reclaimCount   = 16
)

// RedisQueue is a Queue backed by a Redis stream with a consumer group.
// Failed deliveries are parked in a sorted set keyed by their ready-at time
// and moved back onto the stream by the consumer loop; exhausted deliveries
// land on a dead-letter stream for operator inspection.
type RedisQueue struct {
	client      *redis.Client
	topic       string
	group       string
	consumer    string
	retryKey    string
	deadKey     string
	logger      *slog.Logger
	maxAttempts int
}

// NewRedisQueue declares the stream and consumer group and returns the queue.
// The client is shared and not closed by Close.
func NewRedisQueue(ctx context.Context, client *redis.Client, topic, consumer string, logger *slog.Logger) (*RedisQueue, error) {
	if topic == "" {
		return nil, errors.New("queue topic cannot be empty")
	}
	if consumer == "" {
		return nil, errors.New("queue consumer name cannot be empty")
	}
	q := &RedisQueue{
		client:      client,
		topic:       topic,
		group:       topic + ":workers",
		consumer:    consumer,
		retryKey:    topic + ":retry",
		deadKey:     topic + ":dead",
		logger:      logger,
		maxAttempts: MaxAttempts,
	}
	err := client.XGroupCreateMkStream(ctx, q.topic, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return q, nil
}

// Produce appends a first-attempt message to the stream.
func (q *RedisQueue) Produce(ctx context.Context, payload []byte) error {
	return q.add(ctx, payload, 1)
}

func (q *RedisQueue) add(ctx context.Context, payload []byte, attempt int) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.topic,
		Values: map[string]any{
			fieldPayload: payload,
			fieldAttempt: attempt,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue on %s: %w", q.topic, err)
	}
	return nil
}

// Consume reads deliveries for this consumer until the context is done.
// A failed delivery is rescheduled with backoff or dead-lettered once its
// attempts are exhausted, then acknowledged; entries left pending by a
// crashed consumer are reclaimed after an idle threshold.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := q.reclaim(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Warn("pending reclaim failed", "topic", q.topic, "error", err)
		}
		if err := q.drainRetries(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Warn("retry drain failed", "topic", q.topic, "error", err)
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.topic, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			q.logger.Error("stream read failed", "topic", q.topic, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.dispatch(ctx, msg, handler)
			}
		}
	}
}

// reclaim takes over entries another consumer read but never acknowledged,
// such as after a worker crash mid-build. Claimed entries re-enter dispatch
// with their recorded attempt count.
func (q *RedisQueue) reclaim(ctx context.Context, handler Handler) error {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.topic,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  reclaimMinIdle,
		Start:    "0-0",
		Count:    reclaimCount,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	for _, msg := range msgs {
		q.dispatch(ctx, msg, handler)
	}
	return nil
}

func (q *RedisQueue) dispatch(ctx context.Context, msg redis.XMessage, handler Handler) {
	delivery, ok := q.decode(msg)
	if !ok {
		// Undecodable entries are acked away so they cannot wedge the group.
		q.ack(ctx, msg.ID)
		return
	}
	settle(ctx, q, delivery, q.maxAttempts, handler(ctx, delivery))
}

// settler is the slice of broker internals settle drives. It exists so the
// ordering contract below is testable without a running Redis.
type settler interface {
	ack(ctx context.Context, id string)
	scheduleRetry(ctx context.Context, d Delivery, cause error) error
	deadLetter(ctx context.Context, d Delivery, cause error)
}

// settle records the outcome of a finished delivery. The retry or
// dead-letter write lands before the ack: a crash in between can only cause
// a redelivery through the pending-entries reclaim, never a lost job.
func settle(ctx context.Context, s settler, d Delivery, maxAttempts int, handlerErr error) {
	if handlerErr != nil {
		if d.Attempt >= maxAttempts {
			s.deadLetter(ctx, d, handlerErr)
		} else if err := s.scheduleRetry(ctx, d, handlerErr); err != nil {
			s.deadLetter(ctx, d, handlerErr)
		}
	}
	s.ack(ctx, d.ID)
}

func (q *RedisQueue) decode(msg redis.XMessage) (Delivery, bool) {
	payload, ok := msg.Values[fieldPayload].(string)
	if !ok || payload == "" {
		q.logger.Error("dropping malformed stream entry", "topic", q.topic, "id", msg.ID)
		return Delivery{}, false
	}
	attempt := 1
	if raw, ok := msg.Values[fieldAttempt].(string); ok {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			attempt = parsed
		}
	}
	return Delivery{ID: msg.ID, Payload: []byte(payload), Attempt: attempt}, true
}

func (q *RedisQueue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.topic, q.group, id).Err(); err != nil {
		q.logger.Warn("ack failed", "topic", q.topic, "id", id, "error", err)
	}
}

func (q *RedisQueue) scheduleRetry(ctx context.Context, d Delivery, cause error) error {
	delay := RetryDelay(d.Attempt)
	member := fmt.Sprintf("%d|%s", d.Attempt+1, d.Payload)
	err := q.client.ZAdd(ctx, q.retryKey, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: member,
	}).Err()
	if err != nil {
		q.logger.Error("retry schedule failed", "topic", q.topic, "error", err)
		return err
	}
	q.logger.Info("delivery scheduled for retry",
		"topic", q.topic, "attempt", d.Attempt, "next_attempt_in", delay, "cause", cause.Error())
	return nil
}

func (q *RedisQueue) drainRetries(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.retryKey, &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.retryKey, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Another consumer claimed it first.
			continue
		}
		attempt, payload := splitRetryMember(member)
		if err := q.add(ctx, []byte(payload), attempt); err != nil {
			return err
		}
	}
	return nil
}

func splitRetryMember(member string) (int, string) {
	idx := strings.IndexByte(member, '|')
	if idx <= 0 {
		return 1, member
	}
	attempt, err := strconv.Atoi(member[:idx])
	if err != nil || attempt < 1 {
		attempt = 1
	}
	return attempt, member[idx+1:]
}

func (q *RedisQueue) deadLetter(ctx context.Context, d Delivery, cause error) {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.deadKey,
		Values: map[string]any{
			fieldPayload: d.Payload,
			fieldAttempt: d.Attempt,
			fieldError:   cause.Error(),
		},
	}).Err()
	if err != nil {
		q.logger.Error("dead-letter write failed", "topic", q.topic, "error", err)
	}
	q.logger.Error("delivery permanently failed",
		"topic", q.topic, "attempts", d.Attempt, "cause", cause.Error())
}

// Close is a no-op; the Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}
