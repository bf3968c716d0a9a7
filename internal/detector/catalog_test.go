package detector

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detection-engine/internal/model"
)

func TestNewDescriptor_DefaultMinBars(t *testing.T) {
	tests := []struct {
		kind     string
		category model.Category
		params   Params
		want     int
	}{
		{"doji", model.CategoryPattern, nil, 1},
		{"bullish_engulfing", model.CategoryPattern, nil, 2},
		{"morning_star", model.CategoryPattern, nil, 3},
		{"sma", model.CategoryIndicator, Params{"period": 10}, 10},
		{"ema", model.CategoryIndicator, nil, 9},
		{"rsi", model.CategoryIndicator, Params{"period": 14}, 15},
		{"volume_spike", model.CategoryIndicator, Params{"lookback": 5}, 6},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			d, err := NewDescriptor(Spec{
				Name:      tt.kind,
				Kind:      tt.kind,
				Category:  tt.category,
				Timeframe: model.TF1m,
				Params:    tt.params,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.MinBars)
			assert.NotNil(t, d.Detector)
		})
	}
}

func TestNewDescriptor_Errors(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"unknown kind", Spec{Name: "x", Kind: "cup_and_handle", Category: model.CategoryPattern}},
		{"category mismatch", Spec{Name: "x", Kind: "rsi", Category: model.CategoryPattern}},
		{"min bars below need", Spec{Name: "x", Kind: "rsi", Category: model.CategoryIndicator, MinBars: 10}},
		{"unknown param", Spec{Name: "x", Kind: "sma", Category: model.CategoryIndicator, Params: Params{"length": 3}}},
		{"fractional period", Spec{Name: "x", Kind: "sma", Category: model.CategoryIndicator, Params: Params{"period": 2.5}}},
		{"zero period", Spec{Name: "x", Kind: "ema", Category: model.CategoryIndicator, Params: Params{"period": 0}}},
		{"negative threshold", Spec{Name: "x", Kind: "doji", Category: model.CategoryPattern, Params: Params{"max_body": -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.spec.Timeframe = model.TF1m
			_, err := NewDescriptor(tt.spec)
			assert.Error(t, err)
		})
	}

	_, err := NewDescriptor(Spec{Name: "x", Kind: "nope", Category: model.CategoryPattern})
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestBuild_SealsRegistry(t *testing.T) {
	r, err := Build([]Spec{
		{Name: "doji", Kind: "doji", Category: model.CategoryPattern, Timeframe: model.TF1m},
		{Name: "ema_slow", Kind: "ema", Category: model.CategoryIndicator, Timeframe: model.TF1m, MinBars: 27},
	})
	require.NoError(t, err)
	assert.Equal(t, 27, r.MaxMinBars(model.TF1m))
	assert.True(t, errors.Is(r.Register(desc("late", 1)), ErrSealed))

	_, err = Build([]Spec{
		{Name: "doji", Kind: "doji", Category: model.CategoryPattern, Timeframe: model.TF1m},
		{Name: "doji", Kind: "doji", Category: model.CategoryPattern, Timeframe: model.TF1m},
	})
	assert.True(t, errors.Is(err, ErrDuplicate))
}

func TestKinds_Sorted(t *testing.T) {
	kinds := Kinds()
	assert.Len(t, kinds, 10)
	assert.Equal(t, "bearish_engulfing", kinds[0])
	assert.Equal(t, "volume_spike", kinds[len(kinds)-1])
}
