package detector

import (
	"math"

	"detection-engine/internal/model"
)

func closes(w []model.Bar) []float64 {
	out := make([]float64, len(w))
	for i, b := range w {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

// sma reports the mean close of the last period bars.
func sma(period int) Func {
	return func(w []model.Bar) (Signal, error) {
		cs := closes(w[len(w)-period:])
		sum := 0.0
		for _, c := range cs {
			sum += c
		}
		return fired(sum / float64(period)), nil
	}
}

// ema seeds with the SMA of the first period closes in the window and
// smooths through the rest. Longer windows converge closer to a streaming EMA.
func ema(period int) Func {
	alpha := 2.0 / float64(period+1)
	return func(w []model.Bar) (Signal, error) {
		cs := closes(w)
		v := 0.0
		for _, c := range cs[:period] {
			v += c
		}
		v /= float64(period)
		for _, c := range cs[period:] {
			v = alpha*c + (1-alpha)*v
		}
		return fired(v), nil
	}
}

// rsi computes Wilder's RSI over the window, seeding the averages from the
// first period deltas.
func rsi(period int) Func {
	return func(w []model.Bar) (Signal, error) {
		cs := closes(w)
		var avgGain, avgLoss float64
		p := float64(period)
		for i := 1; i < len(cs); i++ {
			delta := cs[i] - cs[i-1]
			gain, loss := math.Max(delta, 0), math.Max(-delta, 0)
			if i <= period {
				avgGain += gain / p
				avgLoss += loss / p
				continue
			}
			avgGain = (avgGain*(p-1) + gain) / p
			avgLoss = (avgLoss*(p-1) + loss) / p
		}
		if avgLoss == 0 {
			return fired(100), nil
		}
		rs := avgGain / avgLoss
		return fired(100 - 100/(1+rs)), nil
	}
}

// volumeSpike fires when the newest bar's volume is at least multiple times
// the mean volume of the lookback bars before it. The value is the ratio.
func volumeSpike(lookback int, multiple float64) Func {
	return func(w []model.Bar) (Signal, error) {
		last := w[len(w)-1]
		prior := w[len(w)-1-lookback : len(w)-1]
		var sum int64
		for _, b := range prior {
			sum += b.Volume
		}
		if sum == 0 {
			return Signal{}, nil
		}
		ratio := float64(last.Volume) / (float64(sum) / float64(lookback))
		if ratio < multiple {
			return Signal{}, nil
		}
		return fired(ratio), nil
	}
}
