package agg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detection-engine/internal/model"
	"detection-engine/internal/session"
)

var base = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

func tick(symbol, price string, size int64, offset time.Duration) model.Tick {
	return model.Tick{
		Symbol:    symbol,
		Price:     decimal.RequireFromString(price),
		Size:      size,
		Timestamp: base.Add(offset),
	}
}

func newAgg(tfs ...model.Timeframe) *Aggregator {
	return New(Config{Timeframes: tfs, LatenessTolerance: 2 * time.Second}, zerolog.Nop())
}

func drain(ch <-chan model.Bar) []model.Bar {
	var out []model.Bar
	for {
		select {
		case b := <-ch:
			out = append(out, b)
		default:
			return out
		}
	}
}

func TestAggregator_BasicBar(t *testing.T) {
	a := newAgg(model.TF1m)
	tickCh := make(chan model.Tick, 100)
	barCh := make(chan model.Bar, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx, tickCh, barCh)
		close(done)
	}()

	tickCh <- tick("AAPL", "100", 10, 5*time.Second)
	tickCh <- tick("AAPL", "101.5", 20, 20*time.Second)
	tickCh <- tick("AAPL", "99.8", 5, 40*time.Second)
	// Next minute finalizes the first bar.
	tickCh <- tick("AAPL", "100.2", 15, 62*time.Second)

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	bars := drain(barCh)
	require.Len(t, bars, 2)

	b := bars[0]
	assert.Equal(t, "100", b.Open.String())
	assert.Equal(t, "101.5", b.High.String())
	assert.Equal(t, "99.8", b.Low.String())
	assert.Equal(t, "99.8", b.Close.String())
	assert.Equal(t, int64(35), b.Volume)
	assert.Equal(t, 3, b.Ticks)
	assert.True(t, b.Start.Equal(base))
	assert.True(t, b.Timestamp.Equal(base.Add(time.Minute)), "timestamp is the bar close")

	assert.Equal(t, "100.2", bars[1].Open.String())
	assert.True(t, bars[1].Start.Equal(base.Add(time.Minute)))
}

func TestAggregator_EmitsEachIntervalOnce(t *testing.T) {
	a := newAgg(model.TF1m)

	bars, err := a.OnTick(tick("AAPL", "100", 1, 10*time.Second))
	require.NoError(t, err)
	assert.Empty(t, bars)

	bars, err = a.OnTick(tick("AAPL", "101", 1, 70*time.Second))
	require.NoError(t, err)
	require.Len(t, bars, 1)

	// A straggler for the finalized minute must not reopen or re-emit it.
	bars, err = a.OnTick(tick("AAPL", "90", 1, 30*time.Second))
	assert.True(t, errors.Is(err, ErrLateTick))
	assert.Empty(t, bars)

	rest := a.FlushAll()
	require.Len(t, rest, 1)
	assert.True(t, rest[0].Start.Equal(base.Add(time.Minute)))
	assert.Empty(t, a.FlushAll())
}

func TestAggregator_OutOfOrderWithinTolerance(t *testing.T) {
	a := newAgg(model.TF1m)

	_, err := a.OnTick(tick("AAPL", "100", 1, 30*time.Second))
	require.NoError(t, err)

	// 1s behind the newest tick: revises the open bar's open and low.
	_, err = a.OnTick(tick("AAPL", "98", 2, 29*time.Second))
	require.NoError(t, err)

	// 10s behind: beyond the 2s tolerance, discarded.
	_, err = a.OnTick(tick("AAPL", "50", 3, 20*time.Second))
	assert.True(t, errors.Is(err, ErrLateTick))

	bars := a.FlushAll()
	require.Len(t, bars, 1)
	b := bars[0]
	assert.Equal(t, "98", b.Open.String())
	assert.Equal(t, "98", b.Low.String())
	assert.Equal(t, "100", b.Close.String(), "close stays with the latest timestamp")
	assert.Equal(t, int64(3), b.Volume)
	assert.Equal(t, 2, b.Ticks)
}

func TestAggregator_RejectsInvalidTicks(t *testing.T) {
	a := newAgg(model.TF1m)
	var reasons []string
	a.OnRejectedTick = func(reason string) { reasons = append(reasons, reason) }

	tests := []struct {
		name   string
		tick   model.Tick
		reason string
	}{
		{"empty symbol", tick("", "100", 1, 0), "empty_symbol"},
		{"zero price", tick("AAPL", "0", 1, 0), "bad_price"},
		{"negative price", tick("AAPL", "-3", 1, 0), "bad_price"},
		{"negative size", tick("AAPL", "100", -1, 0), "bad_size"},
		{"zero timestamp", model.Tick{Symbol: "AAPL", Price: decimal.NewFromInt(1)}, "zero_timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bars, err := a.OnTick(tt.tick)
			assert.True(t, errors.Is(err, ErrInvalidTick))
			assert.Contains(t, err.Error(), tt.reason)
			assert.Empty(t, bars)
		})
	}

	assert.Len(t, reasons, len(tests))
	assert.Zero(t, a.OpenBars())
	assert.Empty(t, a.FlushAll())
}

func TestAggregator_MultipleTimeframes(t *testing.T) {
	a := newAgg(model.TF1m, model.TF5m)

	var emitted []model.Bar
	for i := 0; i < 6; i++ {
		bars, err := a.OnTick(tick("MSFT", "10", 1, time.Duration(i)*time.Minute+time.Second))
		require.NoError(t, err)
		emitted = append(emitted, bars...)
	}

	var oneMin, fiveMin int
	for _, b := range emitted {
		switch b.Timeframe {
		case model.TF1m:
			oneMin++
		case model.TF5m:
			fiveMin++
			assert.Equal(t, int64(5), b.Volume)
			assert.True(t, b.Timestamp.Equal(base.Add(5*time.Minute)))
		}
	}
	assert.Equal(t, 5, oneMin)
	assert.Equal(t, 1, fiveMin)
}

func TestAggregator_LateForOneTimeframeOnly(t *testing.T) {
	a := newAgg(model.TF1m, model.TF5m)
	var late int
	a.OnRejectedTick = func(reason string) {
		if reason == "late" {
			late++
		}
	}

	_, err := a.OnTick(tick("MSFT", "10", 1, 10*time.Second))
	require.NoError(t, err)
	bars, err := a.OnTick(tick("MSFT", "11", 1, 61*time.Second))
	require.NoError(t, err)
	require.Len(t, bars, 1)

	// Its minute is closed, but it is within tolerance of the open 5m bar.
	_, err = a.OnTick(tick("MSFT", "9", 1, 59*time.Second+500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 1, late)

	bars = a.FlushAll()
	require.Len(t, bars, 2)
	for _, b := range bars {
		if b.Timeframe == model.TF5m {
			assert.Equal(t, 3, b.Ticks)
			assert.Equal(t, "9", b.Low.String())
		}
	}
}

func TestAggregator_FlushIdle(t *testing.T) {
	a := newAgg(model.TF1m)

	_, err := a.OnTick(tick("AAPL", "100", 1, 10*time.Second))
	require.NoError(t, err)

	// Interval ends at 10:01; tolerance holds the bar open until 10:01:02.
	assert.Empty(t, a.FlushIdle(base.Add(61*time.Second)))

	bars := a.FlushIdle(base.Add(62 * time.Second))
	require.Len(t, bars, 1)
	assert.Zero(t, a.OpenBars())

	// The idle-closed interval stays closed.
	_, err = a.OnTick(tick("AAPL", "100", 1, 50*time.Second))
	assert.True(t, errors.Is(err, ErrLateTick))
}

func TestAggregator_DailyUsesCalendar(t *testing.T) {
	cal, err := session.New("America/New_York", 0)
	require.NoError(t, err)
	a := New(Config{Timeframes: []model.Timeframe{model.TF1d}, Calendar: cal}, zerolog.Nop())

	// 02:00 UTC on Jan 3 is still Jan 2 in New York.
	_, err = a.OnTick(model.Tick{
		Symbol:    "SPY",
		Price:     decimal.NewFromInt(470),
		Size:      100,
		Timestamp: time.Date(2024, 1, 3, 2, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	bars := a.FlushAll()
	require.Len(t, bars, 1)
	ny := cal.Location()
	assert.True(t, bars[0].Start.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, ny)))
	assert.True(t, bars[0].Timestamp.Equal(time.Date(2024, 1, 3, 0, 0, 0, 0, ny)))
}
