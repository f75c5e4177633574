package market

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"miniquant/internal/cache"
	"miniquant/internal/config"
)

// Sources are the optional backends a configured feed can be built on
type Sources struct {
	DB         *sql.DB
	ClickHouse driver.Conn
	Cache      cache.Cacher

	// Codes and [Start, End] seed the memory source with synthetic bars
	Codes      []string
	Start, End time.Time
}

// Setup is the market data wiring derived from MarketConfig
type Setup struct {
	// Feed is what backtests read, behind the cache when one is given
	Feed Feed
	// Remote is the upstream API, nil for the memory source
	Remote Feed
	// Store receives synced bars. Nil when nothing local is configured.
	Store Store
}

// NewSetup builds the feed for cfg.Source:
//
//	memory      synthetic bars, no network
//	eastmoney   Eastmoney API; bars are synced into Postgres or ClickHouse when available
//	postgres    daily_bars in Postgres, filled by bar_sync from Eastmoney
//	clickhouse  daily_bars in ClickHouse, filled by bar_sync from Eastmoney
func NewSetup(cfg config.MarketConfig, src Sources) (*Setup, error) {
	setup := &Setup{}

	var local Store
	switch {
	case src.ClickHouse != nil:
		local = NewClickHouseStore(src.ClickHouse)
	case src.DB != nil:
		local = NewPostgresStore(src.DB)
	}

	remote := NewEastmoneyFeed(EastmoneyConfig{
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Timeout:           cfg.Timeout,
		MaxRetries:        cfg.MaxRetries,
	})

	switch cfg.Source {
	case "memory":
		mem := NewMemoryFeed()
		SeedSynthetic(mem, src.Codes, src.Start, src.End)
		setup.Feed = mem
		setup.Store = mem
	case "eastmoney", "":
		setup.Feed = remote
		setup.Remote = remote
		setup.Store = local
	case "postgres":
		if src.DB == nil {
			return nil, fmt.Errorf("market source postgres needs a database connection")
		}
		store := NewPostgresStore(src.DB)
		setup.Feed, setup.Remote, setup.Store = store, remote, store
	case "clickhouse":
		if src.ClickHouse == nil {
			return nil, fmt.Errorf("market source clickhouse needs a clickhouse connection")
		}
		store := NewClickHouseStore(src.ClickHouse)
		setup.Feed, setup.Remote, setup.Store = store, remote, store
	default:
		return nil, fmt.Errorf("unknown market source %q", cfg.Source)
	}

	if src.Cache != nil && cfg.Source != "memory" {
		setup.Feed = NewCachedFeed(setup.Feed, src.Cache, cfg.CacheTTL)
	}
	return setup, nil
}

// Syncer returns a syncer from the remote API into the local store, or nil
// when either side is missing
func (s *Setup) Syncer() *Syncer {
	if s.Remote == nil || s.Store == nil {
		return nil
	}
	return NewSyncer(s.Remote, s.Store)
}

// SeedSynthetic fills mem with one synthetic series per code covering the
// weekdays of [start, end]. Each code gets its own stable seed.
func SeedSynthetic(mem *MemoryFeed, codes []string, start, end time.Time) {
	n := weekdays(start, end)
	if n == 0 {
		return
	}
	for _, code := range codes {
		h := fnv.New64a()
		h.Write([]byte(code))
		mem.Add(code, SyntheticBars(code, start, n, int64(h.Sum64()>>1))...)
	}
}

func weekdays(start, end time.Time) int {
	n := 0
	for d := Day(start); !d.After(Day(end)); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n++
		}
	}
	return n
}
