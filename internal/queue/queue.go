package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/donasi-payments/internal/resilience"
)

const defaultMaxAttempts = 10

// Task represents a job to be processed asynchronously.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
	// Attempt is set by the worker, starting at 1.
	Attempt int
}

// DeadLetterHandler is told about tasks that exhausted their attempts.
type DeadLetterHandler func(ctx context.Context, task Task, lastErr error)

// Enqueuer publishes tasks to Redis backed queues.
type Enqueuer struct {
	R           *redis.Client
	Prefix      string
	DedupTTL    time.Duration
	MaxAttempts int
}

// Enqueue inserts the task into the queue. If an idempotency key is supplied the
// task is only enqueued once until it is acknowledged or dead-lettered.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		MaxAttempts: t.MaxAttempts,
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = e.MaxAttempts
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = defaultMaxAttempts
	}
	msg.AvailableAt = time.Now().Add(t.Delay).UnixNano()

	k := keys{prefix: e.Prefix, kind: kind}
	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, k.dedup(msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := e.R.ZAdd(ctx, k.queue(), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err(); err != nil {
		return err
	}
	QueueDepth.WithLabelValues(kind).Inc()
	return nil
}

// DeadLetters returns up to limit dead-lettered tasks of kind, newest first.
func (e Enqueuer) DeadLetters(ctx context.Context, kind string, limit int64) ([]Task, error) {
	if e.R == nil {
		return nil, errors.New("queue: redis client not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	k := keys{prefix: e.Prefix, kind: sanitizeKind(kind)}
	raws, err := e.R.LRange(ctx, k.dlq(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(raws))
	for _, raw := range raws {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		out = append(out, msg.task())
	}
	return out, nil
}

func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		if c >= 'a' && c <= 'z' {
			continue
		}
		if c >= '0' && c <= '9' {
			continue
		}
		if c == '-' || c == '_' || c == ':' {
			continue
		}
		return ""
	}
	return kind
}

// Worker consumes tasks for a specific kind.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	// SoftDeadline cancels the handler context before the visibility timeout expires.
	SoftDeadline time.Duration
	Handler      func(context.Context, Task) error
	DeadLetter   DeadLetterHandler
	RetryBase    time.Duration
	RetryJitter  float64
	Logger       *zerolog.Logger
}

// Run starts processing tasks until the context is cancelled. Active tasks are
// tracked in a processing set to enable redelivery when workers crash.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}

	k := keys{prefix: w.Prefix, kind: kind}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	requeueTicker := time.NewTicker(visibility / 2)
	defer requeueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-requeueTicker.C:
			if err := w.requeueExpired(ctx, k); err != nil && ctx.Err() == nil {
				return err
			}
		default:
		}

		res, err := w.R.ZPopMin(ctx, k.queue(), 1).Result()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			if errors.Is(err, redis.Nil) {
				idle(ctx, 100*time.Millisecond)
				continue
			}
			return err
		}
		if len(res) == 0 {
			idle(ctx, 100*time.Millisecond)
			continue
		}
		member, ok := res[0].Member.(string)
		if !ok {
			continue
		}
		msg, err := decodeMessage(member)
		if err != nil {
			w.logger().Warn().Err(err).Str("kind", kind).Msg("queue: drop undecodable task")
			continue
		}
		now := time.Now().UnixNano()
		if msg.AvailableAt > now {
			// not due yet, push back and wait
			_ = w.R.ZAdd(ctx, k.queue(), redis.Z{Score: float64(msg.AvailableAt), Member: member}).Err()
			wait := time.Duration(msg.AvailableAt - now)
			if wait > time.Second {
				wait = time.Second
			}
			idle(ctx, wait)
			continue
		}
		QueueDepth.WithLabelValues(kind).Dec()

		msg.Attempt++
		rawBytes, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		raw := string(rawBytes)
		deadline := time.Now().Add(visibility).UnixNano()
		if err := w.R.ZAdd(ctx, k.processing(), redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
			return err
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(raw string, m taskMessage) {
			defer func() { <-sem }()
			defer wg.Done()
			jobCtx, cancel := w.jobContext(ctx, visibility)
			defer cancel()
			err := w.Handler(jobCtx, m.task())
			// bookkeeping must survive worker shutdown
			bg := context.WithoutCancel(ctx)
			if err != nil {
				w.handleFailure(bg, k, raw, m, retryBase, err)
				return
			}
			QueueProcessedTotal.WithLabelValues(kind, "ok").Inc()
			w.ack(bg, k, raw, m)
		}(raw, msg)
	}
}

func (w Worker) jobContext(ctx context.Context, visibility time.Duration) (context.Context, context.CancelFunc) {
	soft := w.SoftDeadline
	if soft <= 0 || soft >= visibility {
		soft = visibility
	}
	return context.WithTimeout(ctx, soft)
}

func (w Worker) handleFailure(ctx context.Context, k keys, raw string, msg taskMessage, base time.Duration, cause error) {
	_ = w.R.ZRem(ctx, k.processing(), raw).Err()
	log := w.logger().With().Str("kind", msg.Kind).Str("key", msg.Key).Int("attempt", msg.Attempt).Logger()
	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		QueueProcessedTotal.WithLabelValues(msg.Kind, "dead").Inc()
		rawBytes, err := json.Marshal(msg)
		if err == nil {
			if err := w.R.LPush(ctx, k.dlq(), rawBytes).Err(); err != nil {
				log.Error().Err(err).Msg("queue: push dead letter")
			}
		}
		QueueDLQSize.WithLabelValues(msg.Kind).Inc()
		if msg.Key != "" {
			_ = w.R.Del(ctx, k.dedup(msg.Key)).Err()
		}
		log.Error().Err(cause).Msg("queue: task dead-lettered")
		if w.DeadLetter != nil {
			w.DeadLetter(ctx, msg.task(), cause)
		}
		return
	}
	QueueProcessedTotal.WithLabelValues(msg.Kind, "retry").Inc()
	delay := resilience.Backoff(base, msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	rawBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := w.R.ZAdd(ctx, k.queue(), redis.Z{Score: float64(msg.AvailableAt), Member: string(rawBytes)}).Err(); err != nil {
		log.Error().Err(err).Msg("queue: reschedule task")
		return
	}
	QueueDepth.WithLabelValues(msg.Kind).Inc()
	log.Warn().Err(cause).Dur("delay", delay).Msg("queue: task rescheduled")
}

func (w Worker) ack(ctx context.Context, k keys, raw string, msg taskMessage) {
	_ = w.R.ZRem(ctx, k.processing(), raw).Err()
	if msg.Key != "" {
		_ = w.R.Del(ctx, k.dedup(msg.Key)).Err()
	}
}

func (w Worker) requeueExpired(ctx context.Context, k keys) error {
	now := float64(time.Now().UnixNano())
	due, err := w.R.ZRangeByScore(ctx, k.processing(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range due {
		removed, err := w.R.ZRem(ctx, k.processing(), raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := w.R.ZAdd(ctx, k.queue(), redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err(); err == nil {
			QueueDepth.WithLabelValues(msg.Kind).Inc()
		}
	}
	return nil
}

func (w Worker) logger() *zerolog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

func idle(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

type keys struct {
	prefix string
	kind   string
}

func (k keys) base() string {
	if k.prefix == "" {
		return "queue"
	}
	return k.prefix
}

func (k keys) queue() string      { return fmt.Sprintf("%s:queue:%s", k.base(), k.kind) }
func (k keys) processing() string { return fmt.Sprintf("%s:%s:processing", k.base(), k.kind) }
func (k keys) dlq() string        { return fmt.Sprintf("%s:%s:dlq", k.base(), k.kind) }
func (k keys) dedup(key string) string {
	return fmt.Sprintf("%s:dedup:%s:%s", k.base(), k.kind, key)
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}

func (m taskMessage) task() Task {
	return Task{Kind: m.Kind, Payload: m.Payload, IdempotencyKey: m.Key, MaxAttempts: m.MaxAttempts, Attempt: m.Attempt}
}
