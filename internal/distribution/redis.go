package distribution

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RedisConfig configures the redis pub/sub transport.
type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	BreakerFailures int
	BreakerReset    time.Duration
	BufSize         int // per-subscription delivery buffer
}

// Redis publishes batches with PUBLISH and delivers them with SUBSCRIBE.
// Publishes go through a Breaker so an unreachable server fails fast.
type Redis struct {
	client  *goredis.Client
	breaker *Breaker
	bufSize int
	log     zerolog.Logger

	// OnDrop is called when a message is dropped for a slow subscriber.
	OnDrop func(topic string)
}

// NewRedis connects to redis and pings the server.
func NewRedis(cfg RedisConfig, log zerolog.Logger) (*Redis, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	r := newRedis(client, NewBreaker(cfg.BreakerFailures, cfg.BreakerReset), cfg.BufSize, log)
	r.log.Info().Str("addr", cfg.Addr).Msg("connected")
	return r, nil
}

func newRedis(client *goredis.Client, b *Breaker, bufSize int, log zerolog.Logger) *Redis {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Redis{
		client:  client,
		breaker: b,
		bufSize: bufSize,
		log:     log.With().Str("component", "distribution").Str("transport", "redis").Logger(),
	}
}

// Breaker exposes the publish breaker so callers can observe transitions.
func (r *Redis) Breaker() *Breaker { return r.breaker }

// Publish sends payload on the topic channel.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	return r.breaker.Do(func() error {
		return r.client.Publish(ctx, topic, payload).Err()
	})
}

// Subscribe subscribes to topics and forwards messages until ctx is done.
func (r *Redis) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	pubsub := r.client.Subscribe(ctx, topics...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %v: %w", topics, err)
	}

	out := make(chan Message, r.bufSize)
	go func() {
		defer close(out)
		defer pubsub.Close()

		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					if r.OnDrop != nil {
						r.OnDrop(msg.Channel)
					}
				}
			}
		}
	}()

	r.log.Info().Strs("topics", topics).Msg("subscribed")
	return out, nil
}

// Ping checks connectivity for health reporting.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client. Active subscriptions end.
func (r *Redis) Close() error {
	return r.client.Close()
}
