package detector

import (
	"math"

	"detection-engine/internal/model"
)

// candle is a float view of a bar for geometry checks.
type candle struct {
	open, high, low, close float64
}

func toCandle(b model.Bar) candle {
	return candle{
		open:  b.Open.InexactFloat64(),
		high:  b.High.InexactFloat64(),
		low:   b.Low.InexactFloat64(),
		close: b.Close.InexactFloat64(),
	}
}

func (c candle) body() float64      { return math.Abs(c.close - c.open) }
func (c candle) span() float64      { return c.high - c.low }
func (c candle) upperWick() float64 { return c.high - math.Max(c.open, c.close) }
func (c candle) lowerWick() float64 { return math.Min(c.open, c.close) - c.low }
func (c candle) bullish() bool      { return c.close > c.open }
func (c candle) bearish() bool      { return c.close < c.open }

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// doji fires when the body is at most maxBody of the bar's range.
func doji(maxBody float64) Func {
	return func(w []model.Bar) (Signal, error) {
		c := toCandle(w[len(w)-1])
		if c.span() == 0 {
			return Signal{}, nil
		}
		ratio := c.body() / c.span()
		if ratio > maxBody {
			return Signal{}, nil
		}
		return fired(clamp01(1 - ratio/maxBody*0.5)), nil
	}
}

// hammer fires on a small body near the high with a lower wick at least
// wickRatio times the body.
func hammer(wickRatio float64) Func {
	return func(w []model.Bar) (Signal, error) {
		c := toCandle(w[len(w)-1])
		span := c.span()
		if span == 0 {
			return Signal{}, nil
		}
		body := c.body()
		if body > span*0.3 || c.lowerWick() < body*wickRatio || c.upperWick() > span*0.15 {
			return Signal{}, nil
		}
		return fired(clamp01(c.lowerWick() / span)), nil
	}
}

// shootingStar mirrors hammer: small body at the bottom, long upper wick.
func shootingStar(wickRatio float64) Func {
	return func(w []model.Bar) (Signal, error) {
		c := toCandle(w[len(w)-1])
		span := c.span()
		if span == 0 {
			return Signal{}, nil
		}
		body := c.body()
		if body > span*0.3 || c.upperWick() < body*wickRatio || c.lowerWick() > span*0.15 {
			return Signal{}, nil
		}
		return fired(clamp01(c.upperWick() / span)), nil
	}
}

// bullishEngulfing fires when a green bar's body covers the prior red body.
func bullishEngulfing() Func {
	return func(w []model.Bar) (Signal, error) {
		prev, cur := toCandle(w[len(w)-2]), toCandle(w[len(w)-1])
		if !prev.bearish() || !cur.bullish() {
			return Signal{}, nil
		}
		if cur.open > prev.close || cur.close < prev.open || cur.body() <= prev.body() {
			return Signal{}, nil
		}
		return fired(cur.body() / (cur.body() + prev.body())), nil
	}
}

// bearishEngulfing fires when a red bar's body covers the prior green body.
func bearishEngulfing() Func {
	return func(w []model.Bar) (Signal, error) {
		prev, cur := toCandle(w[len(w)-2]), toCandle(w[len(w)-1])
		if !prev.bullish() || !cur.bearish() {
			return Signal{}, nil
		}
		if cur.open < prev.close || cur.close > prev.open || cur.body() <= prev.body() {
			return Signal{}, nil
		}
		return fired(cur.body() / (cur.body() + prev.body())), nil
	}
}

// morningStar fires on a long red bar, a small-bodied bar, then a green bar
// closing above the midpoint of the first body.
func morningStar() Func {
	return func(w []model.Bar) (Signal, error) {
		first := toCandle(w[len(w)-3])
		star := toCandle(w[len(w)-2])
		last := toCandle(w[len(w)-1])

		if !first.bearish() || first.span() == 0 || first.body() < first.span()*0.5 {
			return Signal{}, nil
		}
		if star.body() > first.body()*0.3 || !last.bullish() {
			return Signal{}, nil
		}
		mid := (first.open + first.close) / 2
		if last.close <= mid {
			return Signal{}, nil
		}
		return fired(clamp01((last.close - first.close) / first.body())), nil
	}
}
