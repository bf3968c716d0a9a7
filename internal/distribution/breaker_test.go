package distribution

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFail = errors.New("fail")

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(max int, reset time.Duration) (*Breaker, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(max, reset)
	b.now = c.now
	return b, c
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	assert.Equal(t, BreakerClosed, b.State())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(func() error { return errFail }), errFail)
	}
	assert.Equal(t, BreakerOpen, b.State())

	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Second)
	_ = b.Do(func() error { return errFail })
	require.NoError(t, b.Do(func() error { return nil }))
	_ = b.Do(func() error { return errFail })
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, c := newTestBreaker(1, time.Second)
	var transitions []string
	b.OnStateChange = func(from, to BreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}

	_ = b.Do(func() error { return errFail })
	require.Equal(t, BreakerOpen, b.State())

	c.advance(time.Second)
	assert.ErrorIs(t, b.Do(func() error { return errFail }), errFail)
	assert.Equal(t, BreakerOpen, b.State(), "failed probe reopens")

	c.advance(500 * time.Millisecond)
	assert.ErrorIs(t, b.Do(func() error { return nil }), ErrCircuitOpen)

	c.advance(time.Second)
	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, BreakerClosed, b.State())

	assert.Equal(t, []string{
		"closed->open",
		"open->half-open", "half-open->open",
		"open->half-open", "half-open->closed",
	}, transitions)
}

func TestBreaker_SingleProbeInFlight(t *testing.T) {
	b, c := newTestBreaker(1, time.Second)
	_ = b.Do(func() error { return errFail })
	c.advance(time.Second)

	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Do(func() error { <-release; return nil })
	}()

	require.Eventually(t, func() bool { return b.State() == BreakerHalfOpen }, time.Second, time.Millisecond)
	assert.ErrorIs(t, b.Do(func() error { return nil }), ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestRedis_PublishFailsFastWhenUnreachable(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	r := newRedis(client, NewBreaker(2, time.Minute), 4, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := r.Publish(ctx, "patterns", []byte("x"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.ErrorIs(t, r.Publish(ctx, "patterns", []byte("x")), ErrCircuitOpen)
	assert.Equal(t, BreakerOpen, r.Breaker().State())
}
