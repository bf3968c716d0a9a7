// Package replay feeds recorded ticks back through the pipeline for offline
// runs. Input is one JSON tick per line, in the feed's wire shape.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"detection-engine/internal/model"
)

// Replayer streams ticks from r.
type Replayer struct {
	r     io.Reader
	speed float64
	log   zerolog.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Replayer. speed scales the recorded gaps between ticks:
// 1 is real time, 10 is ten times faster, 0 replays as fast as possible.
func New(r io.Reader, speed float64, log zerolog.Logger) *Replayer {
	return &Replayer{r: r, speed: speed, log: log.With().Str("component", "replay").Logger(), sleep: sleepCtx}
}

// Run sends every tick to tickCh in file order and returns how many were
// sent. Sends block, so nothing is dropped. Undecodable lines abort the run.
func (rp *Replayer) Run(ctx context.Context, tickCh chan<- model.Tick) (int, error) {
	dec := json.NewDecoder(rp.r)
	var prev time.Time
	sent := 0

	for {
		var t model.Tick
		if err := dec.Decode(&t); err != nil {
			if errors.Is(err, io.EOF) {
				rp.log.Info().Int("ticks", sent).Msg("replay finished")
				return sent, nil
			}
			return sent, fmt.Errorf("tick %d: %w", sent+1, err)
		}

		if rp.speed > 0 && !prev.IsZero() && t.Timestamp.After(prev) {
			gap := time.Duration(float64(t.Timestamp.Sub(prev)) / rp.speed)
			if err := rp.sleep(ctx, gap); err != nil {
				return sent, err
			}
		}
		if t.Timestamp.After(prev) {
			prev = t.Timestamp
		}

		select {
		case tickCh <- t:
			sent++
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
