package market

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miniquant/internal/cache"
	"miniquant/internal/config"
)

func TestNewSetupMemory(t *testing.T) {
	cfg := config.Default().Market
	cfg.Source = "memory"

	setup, err := NewSetup(cfg, Sources{
		Codes: []string{"600519", "000001"},
		Start: day("2024-01-01"),
		End:   day("2024-01-31"),
	})
	require.NoError(t, err)
	assert.Nil(t, setup.Remote)
	assert.Nil(t, setup.Syncer())

	bars, err := setup.Feed.Bars(context.Background(), "600519", day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	assert.Len(t, bars, 23)
	assert.Equal(t, day("2024-01-31"), bars[len(bars)-1].Date)

	// 同一代码的种子稳定
	again := NewMemoryFeed()
	SeedSynthetic(again, []string{"600519"}, day("2024-01-01"), day("2024-01-31"))
	other, err := again.Bars(context.Background(), "600519", day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	assert.Equal(t, bars, other)
}

func TestNewSetupEastmoney(t *testing.T) {
	cfg := config.Default().Market

	setup, err := NewSetup(cfg, Sources{Cache: cache.NewMemoryCache(16)})
	require.NoError(t, err)
	assert.IsType(t, &CachedFeed{}, setup.Feed)
	assert.IsType(t, &EastmoneyFeed{}, setup.Remote)
	assert.Nil(t, setup.Store)
	assert.Nil(t, setup.Syncer())

	setup, err = NewSetup(cfg, Sources{})
	require.NoError(t, err)
	assert.IsType(t, &EastmoneyFeed{}, setup.Feed)
}

func TestNewSetupRejectsMissingBackends(t *testing.T) {
	cfg := config.Default().Market

	cfg.Source = "postgres"
	_, err := NewSetup(cfg, Sources{})
	assert.Error(t, err)

	cfg.Source = "clickhouse"
	_, err = NewSetup(cfg, Sources{})
	assert.Error(t, err)

	cfg.Source = "parquet"
	_, err = NewSetup(cfg, Sources{})
	assert.Error(t, err)
}

func TestSeedSyntheticEmptyRange(t *testing.T) {
	mem := NewMemoryFeed()
	SeedSynthetic(mem, []string{"600519"}, day("2024-01-06"), day("2024-01-07"))
	assert.Empty(t, mem.Codes())
}
