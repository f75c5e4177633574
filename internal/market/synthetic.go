package market

import (
	"math"
	"math/rand"
	"time"
)

// SyntheticBars generates a deterministic daily random walk on weekdays,
// used for fixtures and offline runs. The same seed yields the same bars.
func SyntheticBars(code string, start time.Time, n int, seed int64) []Bar {
	rng := rand.New(rand.NewSource(seed))
	bars := make([]Bar, 0, n)
	price := 10 + rng.Float64()*40
	date := Day(start)

	for len(bars) < n {
		if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			date = date.AddDate(0, 0, 1)
			continue
		}

		// 日内波动与趋势漂移
		change := rng.NormFloat64()*0.02 + 0.0003*math.Sin(float64(len(bars))/20)
		change = math.Max(-0.1, math.Min(0.1, change))
		open := price * (1 + rng.NormFloat64()*0.005)
		closePrice := price * (1 + change)
		high := math.Max(open, closePrice) * (1 + rng.Float64()*0.01)
		low := math.Min(open, closePrice) * (1 - rng.Float64()*0.01)

		bars = append(bars, Bar{
			Code:     code,
			Date:     date,
			Open:     round2(open),
			High:     round2(high),
			Low:      round2(low),
			Close:    round2(closePrice),
			PreClose: round2(price),
			Volume:   float64(100000 + rng.Intn(900000)),
		})
		price = closePrice
		date = date.AddDate(0, 0, 1)
	}
	return bars
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
