package market_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miniquant/internal/market"
	"miniquant/internal/testutils"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	db := testutils.StartPostgres(t)
	ctx := context.Background()
	store := market.NewPostgresStore(db.DB)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := market.SyntheticBars("600000", start, 30, 1)
	require.NoError(t, store.SaveBars(ctx, bars))

	// 重复写入按 (code, trade_date) 覆盖
	bars[0].Close = 99
	require.NoError(t, store.SaveBars(ctx, bars[:1]))

	got, err := store.Bars(ctx, "600000", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 30)
	assert.Equal(t, 99.0, got[0].Close)
	assert.Equal(t, bars[29].Date, got[29].Date)

	ranged, err := store.Bars(ctx, "600000", bars[10].Date, bars[19].Date)
	require.NoError(t, err)
	assert.Len(t, ranged, 10)

	latest, err := store.LatestDate(ctx, "600000")
	require.NoError(t, err)
	assert.Equal(t, bars[29].Date, latest)

	_, err = store.Bars(ctx, "000001", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, market.ErrNoData)
}
