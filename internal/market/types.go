package market

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNoData means the source has no bars for the code in the range
	ErrNoData = errors.New("market: no data")
	// ErrUnavailable means the source itself cannot be reached
	ErrUnavailable = errors.New("market: data source unavailable")
)

// DateLayout is the trading-day format used by feeds and storage
const DateLayout = "2006-01-02"

// Bar is one daily candlestick of an A-share instrument (前复权)
type Bar struct {
	Code     string    `json:"code"`
	Date     time.Time `json:"date"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	PreClose float64   `json:"pre_close"`
	Volume   float64   `json:"volume"`
}

// IsOnePrice reports an open == high == low == close bar, i.e. a limit-up or
// limit-down board with no tradable range
func (b Bar) IsOnePrice(tolerance float64) bool {
	return abs(b.Open-b.Close) < tolerance &&
		abs(b.Open-b.High) < tolerance &&
		abs(b.Open-b.Low) < tolerance
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Feed loads daily bars for one code over [start, end] inclusive, ascending
// by date. It returns ErrNoData when nothing is found and wraps
// ErrUnavailable when the source cannot be reached.
type Feed interface {
	Bars(ctx context.Context, code string, start, end time.Time) ([]Bar, error)
}

// BarWriter persists bars. Writing an existing (code, date) replaces it.
type BarWriter interface {
	SaveBars(ctx context.Context, bars []Bar) error
}

// Store is a feed that can also be written to
type Store interface {
	Feed
	BarWriter
}

// FeedFunc adapts a function to Feed
type FeedFunc func(ctx context.Context, code string, start, end time.Time) ([]Bar, error)

// Bars calls f
func (f FeedFunc) Bars(ctx context.Context, code string, start, end time.Time) ([]Bar, error) {
	return f(ctx, code, start, end)
}

// Normalize sorts bars by date, drops duplicates and fills PreClose from the
// previous bar where it is missing
func Normalize(bars []Bar) []Bar {
	if len(bars) == 0 {
		return bars
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })

	out := bars[:1]
	for _, b := range bars[1:] {
		if b.Date.Equal(out[len(out)-1].Date) {
			out[len(out)-1] = b
			continue
		}
		out = append(out, b)
	}
	for i := 1; i < len(out); i++ {
		if out[i].PreClose == 0 {
			out[i].PreClose = out[i-1].Close
		}
	}
	return out
}

// InRange returns the bars whose date falls in [start, end]. A zero bound is
// open.
func InRange(bars []Bar, start, end time.Time) []Bar {
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if !start.IsZero() && b.Date.Before(start) {
			continue
		}
		if !end.IsZero() && b.Date.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Day truncates t to a calendar date in UTC
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
