// Package redisq implements queue.Broker on Redis lists using the reliable
// queue pattern: BLMOVE into a per-consumer active list, LREM on settle.
package redisq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/queue"
)

var _ queue.Broker = (*Broker)(nil)

const (
	registryKey         = "queues"
	defaultPollWindow   = time.Second
	defaultHeartbeatTTL = 2 * time.Minute
)

// Broker keys, for queue "q" and consumer "c":
//
//	q              waiting list (LPUSH in, consumed from the right)
//	q:active:c     messages c holds but has not settled
//	q:attempts     payload hash -> requeue count
//	q:failed       dead letters
//	consumer:c     heartbeat, expires when c stops receiving
type Broker struct {
	rdb          *redis.Client
	consumer     string
	pollWindow   time.Duration
	heartbeatTTL time.Duration
	lastBeat     atomic.Int64
	log          *zap.Logger
	closed       atomic.Bool
}

type Option func(*Broker)

func WithPollWindow(d time.Duration) Option { return func(b *Broker) { b.pollWindow = d } }

// WithHeartbeatTTL sets how long a consumer may go without receiving before
// Declare on another consumer reclaims its unsettled messages. It must exceed
// the longest time a job can take. Zero disables reclaiming.
func WithHeartbeatTTL(d time.Duration) Option { return func(b *Broker) { b.heartbeatTTL = d } }

func WithLogger(l *zap.Logger) Option { return func(b *Broker) { b.log = l } }

// ParseURL parses a redis:// URL into client options.
func ParseURL(rawURL string) (*redis.Options, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("empty Redis URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	opts := &redis.Options{Addr: u.Host}
	if u.Port() == "" {
		opts.Addr = u.Hostname() + ":6379"
	}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pwd, ok := u.User.Password(); ok {
			opts.Password = pwd
		}
	}
	if len(u.Path) > 1 {
		db, err := strconv.Atoi(u.Path[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid Redis db %q: %w", u.Path[1:], err)
		}
		opts.DB = db
	}
	return opts, nil
}

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// New wraps an existing client. consumer must be stable across restarts for
// Declare to recover this consumer's unsettled messages.
func New(rdb *redis.Client, consumer string, opts ...Option) *Broker {
	b := &Broker{
		rdb:          rdb,
		consumer:     consumer,
		pollWindow:   defaultPollWindow,
		heartbeatTTL: defaultHeartbeatTTL,
		log:          zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func activeKey(name, consumer string) string { return name + ":active:" + consumer }
func attemptsKey(name string) string         { return name + ":attempts" }
func failedKey(name string) string           { return name + queue.FailedSuffix }
func heartbeatKey(consumer string) string    { return "consumer:" + consumer }

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

func payloadKey(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (b *Broker) Declare(ctx context.Context, name string) error {
	if b.closed.Load() {
		return queue.ErrClosed
	}
	if err := b.rdb.SAdd(ctx, registryKey, name).Err(); err != nil {
		return fmt.Errorf("declare %s: %w", name, err)
	}
	if err := b.beat(ctx, true); err != nil {
		return err
	}
	// Anything left in our active list was in flight when we last stopped.
	recovered, err := b.recover(ctx, name, b.consumer)
	if err != nil {
		return err
	}
	if recovered > 0 {
		b.log.Info("queue_recovered_in_flight",
			zap.String("queue", name),
			zap.String("consumer", b.consumer),
			zap.Int("count", recovered))
	}
	return b.reclaimStale(ctx, name)
}

// recover moves every message in consumer's active list back onto the queue.
func (b *Broker) recover(ctx context.Context, name, consumer string) (int, error) {
	active := activeKey(name, consumer)
	n := 0
	for {
		err := b.rdb.LMove(ctx, active, name, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover %s: %w", active, err)
		}
		n++
	}
}

// reclaimStale recovers the active lists of consumers whose heartbeat expired.
func (b *Broker) reclaimStale(ctx context.Context, name string) error {
	if b.heartbeatTTL <= 0 {
		return nil
	}
	prefix := activeKey(name, "")
	iter := b.rdb.Scan(ctx, 0, globEscaper.Replace(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		consumer := strings.TrimPrefix(iter.Val(), prefix)
		if consumer == b.consumer {
			continue
		}
		alive, err := b.rdb.Exists(ctx, heartbeatKey(consumer)).Result()
		if err != nil {
			return fmt.Errorf("heartbeat %s: %w", consumer, err)
		}
		if alive > 0 {
			continue
		}
		n, err := b.recover(ctx, name, consumer)
		if err != nil {
			return err
		}
		if n > 0 {
			b.log.Warn("queue_reclaimed_stale",
				zap.String("queue", name),
				zap.String("stale_consumer", consumer),
				zap.Int("count", n))
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	return nil
}

// beat refreshes this consumer's heartbeat, at most every quarter TTL unless
// forced.
func (b *Broker) beat(ctx context.Context, force bool) error {
	if b.heartbeatTTL <= 0 {
		return nil
	}
	now := time.Now().UnixNano()
	if !force && now-b.lastBeat.Load() < int64(b.heartbeatTTL/4) {
		return nil
	}
	if err := b.rdb.Set(ctx, heartbeatKey(b.consumer), 1, b.heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("heartbeat %s: %w", b.consumer, err)
	}
	b.lastBeat.Store(now)
	return nil
}

func (b *Broker) Publish(ctx context.Context, name string, body []byte) error {
	if b.closed.Load() {
		return queue.ErrClosed
	}
	if err := b.rdb.LPush(ctx, name, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

func (b *Broker) Receive(ctx context.Context, name string) (queue.Delivery, error) {
	if b.closed.Load() {
		return nil, queue.ErrClosed
	}
	if err := b.beat(ctx, false); err != nil {
		return nil, err
	}
	active := activeKey(name, b.consumer)
	// A cancelled ctx does not abort a blocked BLMOVE. Once it returns a body
	// the message sits in our active list, so it must be handed out.
	body, err := b.rdb.BLMove(ctx, name, active, "RIGHT", "LEFT", b.pollWindow).Bytes()
	if err != nil {
		switch {
		case errors.Is(err, redis.Nil):
			return nil, queue.ErrNoDelivery
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, fmt.Errorf("receive %s: %w", name, err)
		}
	}

	d := &delivery{b: b, queue: name, active: active, key: payloadKey(body), body: body, attempt: 1}
	requeues, err := b.rdb.HGet(context.WithoutCancel(ctx), attemptsKey(name), d.key).Int()
	switch {
	case err == nil:
		d.attempt = requeues + 1
	case !errors.Is(err, redis.Nil):
		b.log.Warn("queue_attempts_unreadable",
			zap.String("queue", name),
			zap.Error(err))
	}
	return d, nil
}

func (b *Broker) Stats(ctx context.Context, name string) (queue.Stats, error) {
	pipe := b.rdb.Pipeline()
	waiting := pipe.LLen(ctx, name)
	active := pipe.LLen(ctx, activeKey(name, b.consumer))
	failed := pipe.LLen(ctx, failedKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Stats{}, fmt.Errorf("stats %s: %w", name, err)
	}
	return queue.Stats{
		Queue:   name,
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Failed:  failed.Val(),
	}, nil
}

func (b *Broker) ReplayFailed(ctx context.Context, name string) (int, error) {
	known, err := b.rdb.SIsMember(ctx, registryKey, name).Result()
	if err != nil {
		return 0, fmt.Errorf("replay %s: %w", name, err)
	}
	if !known {
		return 0, fmt.Errorf("replay %s: %w", name, queue.ErrUnknownQueue)
	}
	n := 0
	for {
		// oldest dead letter sits at the right; LPUSH order back into the queue
		err := b.rdb.LMove(ctx, failedKey(name), name, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("replay %s: %w", name, err)
		}
		n++
	}
}

func (b *Broker) Queues(ctx context.Context) ([]string, error) {
	names, err := b.rdb.SMembers(ctx, registryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	return names, nil
}

// Close marks the broker closed. The client belongs to the caller.
func (b *Broker) Close() error {
	b.closed.Store(true)
	return nil
}

type delivery struct {
	b       *Broker
	queue   string
	active  string
	key     string
	body    []byte
	attempt int
	settled atomic.Bool
}

func (d *delivery) Body() []byte { return d.body }
func (d *delivery) Attempt() int { return d.attempt }

// exec removes the message from the active list and applies fn in the same
// MULTI block. A zero LREM count means someone else already settled it.
func (d *delivery) exec(ctx context.Context, op string, fn func(pipe redis.Pipeliner)) error {
	if !d.settled.CompareAndSwap(false, true) {
		return queue.ErrSettled
	}
	pipe := d.b.rdb.TxPipeline()
	rem := pipe.LRem(ctx, d.active, 1, d.body)
	fn(pipe)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s %s: %w", op, d.queue, err)
	}
	if rem.Val() == 0 {
		d.b.log.Warn("queue_settle_missing",
			zap.String("queue", d.queue),
			zap.String("op", op))
	}
	return nil
}

func (d *delivery) Ack(ctx context.Context) error {
	return d.exec(ctx, "ack", func(pipe redis.Pipeliner) {
		pipe.HDel(ctx, attemptsKey(d.queue), d.key)
	})
}

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	if !requeue {
		return d.Ack(ctx)
	}
	return d.exec(ctx, "nack", func(pipe redis.Pipeliner) {
		pipe.HIncrBy(ctx, attemptsKey(d.queue), d.key, 1)
		pipe.RPush(ctx, d.queue, d.body)
	})
}

func (d *delivery) DeadLetter(ctx context.Context) error {
	return d.exec(ctx, "dead_letter", func(pipe redis.Pipeliner) {
		pipe.LPush(ctx, failedKey(d.queue), d.body)
		pipe.HDel(ctx, attemptsKey(d.queue), d.key)
	})
}
