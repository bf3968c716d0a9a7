package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detection-engine/internal/correlation"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "nested", "correlation.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func populatedEngine() *correlation.Engine {
	e := correlation.New(correlation.Config{BucketSize: time.Hour, Retention: 48 * time.Hour}, zerolog.Nop())
	t0 := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		at := t0.Add(time.Duration(i) * 40 * time.Minute)
		e.Apply(correlation.Observation{Symbol: "AAPL", Detector: "doji", Timestamp: at})
		e.Apply(correlation.Observation{Symbol: "AAPL", Detector: "hammer", Timestamp: at.Add(time.Minute)})
		if i%2 == 0 {
			e.Apply(correlation.Observation{Symbol: "AAPL", Detector: "rsi_oversold", Timestamp: at.Add(2 * time.Minute)})
		}
	}
	return e
}

func TestStore_LoadEmpty(t *testing.T) {
	s := openStore(t)
	snap, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	src := populatedEngine()
	want := src.Snapshot()

	require.NoError(t, s.SaveSnapshot(ctx, want))
	got, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.Window, got.Window)
	assert.Equal(t, want.BucketSize, got.BucketSize)
	assert.True(t, want.Watermark.Equal(got.Watermark))
	require.Len(t, got.Buckets, len(want.Buckets))
	for i := range want.Buckets {
		assert.True(t, want.Buckets[i].Start.Equal(got.Buckets[i].Start))
		assert.Equal(t, want.Buckets[i].Marginals, got.Buckets[i].Marginals)
		assert.ElementsMatch(t, want.Buckets[i].Joints, got.Buckets[i].Joints)
	}

	dst := correlation.New(correlation.Config{BucketSize: time.Hour, Retention: 48 * time.Hour}, zerolog.Nop())
	require.NoError(t, dst.Restore(got))
	assert.Equal(t, src.TopCorrelations(0, 0), dst.TopCorrelations(0, 0))
}

func TestStore_SaveReplaces(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, populatedEngine().Snapshot()))

	empty := correlation.New(correlation.Config{BucketSize: time.Hour}, zerolog.Nop()).Snapshot()
	require.NoError(t, s.SaveSnapshot(ctx, empty))

	got, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.Buckets)
	assert.True(t, got.Watermark.IsZero())
}

func TestStore_Ping(t *testing.T) {
	s := openStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
