package market

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryFeed keeps bars in process memory. It backs tests and the CLI
// fixture mode, and is safe for concurrent use.
type MemoryFeed struct {
	mu   sync.RWMutex
	bars map[string][]Bar
}

// NewMemoryFeed creates an empty feed
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{bars: make(map[string][]Bar)}
}

// Add stores bars for a code, replacing existing dates
func (m *MemoryFeed) Add(code string, bars ...Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := append(append([]Bar{}, m.bars[code]...), bars...)
	for i := range merged {
		merged[i].Code = code
	}
	m.bars[code] = Normalize(merged)
}

// SaveBars implements BarWriter
func (m *MemoryFeed) SaveBars(ctx context.Context, bars []Bar) error {
	byCode := make(map[string][]Bar)
	for _, b := range bars {
		if b.Code == "" {
			return fmt.Errorf("bar on %s has no code", b.Date.Format(DateLayout))
		}
		byCode[b.Code] = append(byCode[b.Code], b)
	}
	for code, group := range byCode {
		m.Add(code, group...)
	}
	return nil
}

// Bars implements Feed
func (m *MemoryFeed) Bars(ctx context.Context, code string, start, end time.Time) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := InRange(m.bars[code], start, end)
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", code, ErrNoData)
	}
	return out, nil
}

// Codes lists the codes held
func (m *MemoryFeed) Codes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	codes := make([]string, 0, len(m.bars))
	for code := range m.bars {
		codes = append(codes, code)
	}
	return codes
}
