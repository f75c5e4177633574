package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"miniquant/internal/logger"
)

// SyncReport summarizes one Sync call
type SyncReport struct {
	Codes   int               `json:"codes"`
	Bars    int               `json:"bars"`
	Failed  map[string]string `json:"failed,omitempty"`
	Elapsed time.Duration     `json:"elapsed"`
}

// Syncer copies bars from a source feed into a writer, e.g. from the
// Eastmoney API into Postgres or ClickHouse
type Syncer struct {
	source Feed
	target BarWriter
	logger logger.Logger
}

// NewSyncer creates a syncer
func NewSyncer(source Feed, target BarWriter) *Syncer {
	return &Syncer{
		source: source,
		target: target,
		logger: logger.WithField("component", "bar_syncer"),
	}
}

// Sync copies [start, end] for every code. A code without data is skipped;
// any other per-code failure is recorded and the loop continues. An
// unavailable source stops the sync.
func (s *Syncer) Sync(ctx context.Context, codes []string, start, end time.Time) (*SyncReport, error) {
	started := time.Now()
	report := &SyncReport{Failed: make(map[string]string)}

	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		bars, err := s.source.Bars(ctx, code, start, end)
		if err != nil {
			if errors.Is(err, ErrNoData) {
				s.logger.Debug("No bars to sync", "code", code)
				continue
			}
			if errors.Is(err, ErrUnavailable) {
				report.Elapsed = time.Since(started)
				return report, fmt.Errorf("sync %s: %w", code, err)
			}
			report.Failed[code] = err.Error()
			continue
		}

		if err := s.target.SaveBars(ctx, bars); err != nil {
			report.Failed[code] = err.Error()
			continue
		}
		report.Codes++
		report.Bars += len(bars)
	}

	report.Elapsed = time.Since(started)
	s.logger.Info("Bar sync finished",
		"codes", report.Codes, "bars", report.Bars, "failed", len(report.Failed), "elapsed", report.Elapsed.String())
	return report, nil
}
