package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"miniquant/internal/logger"
)

// 东方财富 K 线接口
const (
	EastmoneyKlineURL = "https://push2his.eastmoney.com/api/qt/stock/kline/get"

	eastmoneyUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	eastmoneyReferer   = "https://quote.eastmoney.com/"
)

// EastmoneyConfig configures the HTTP kline feed
type EastmoneyConfig struct {
	BaseURL           string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
}

// DefaultEastmoneyConfig paces requests at 5/s with 3 attempts
func DefaultEastmoneyConfig() EastmoneyConfig {
	return EastmoneyConfig{
		BaseURL:           EastmoneyKlineURL,
		RequestsPerSecond: 5,
		Burst:             1,
		Timeout:           5 * time.Second,
		MaxRetries:        3,
		RetryDelay:        500 * time.Millisecond,
	}
}

// EastmoneyFeed loads 前复权 daily bars from the Eastmoney kline API
type EastmoneyFeed struct {
	config  EastmoneyConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  logger.Logger
}

// NewEastmoneyFeed creates a feed. Zero config fields take the defaults.
func NewEastmoneyFeed(config EastmoneyConfig) *EastmoneyFeed {
	def := DefaultEastmoneyConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = def.RequestsPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = 0
	}

	return &EastmoneyFeed{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		logger:  logger.WithField("component", "eastmoney_feed"),
	}
}

// SecID converts a six-digit A-share code into an Eastmoney secid:
// 1.xxxxxx for Shanghai, 0.xxxxxx for Shenzhen and Beijing
func SecID(code string) string {
	code = strings.TrimSpace(code)
	if code != "" && (code[0] == '6' || code[0] == '5' || code[0] == '9') {
		return "1." + code
	}
	return "0." + code
}

// Bars implements Feed
func (f *EastmoneyFeed) Bars(ctx context.Context, code string, start, end time.Time) ([]Bar, error) {
	if len(code) != 6 {
		return nil, fmt.Errorf("invalid code %q, expected six digits", code)
	}

	params := url.Values{}
	params.Set("secid", SecID(code))
	params.Set("fields1", "f1,f2,f3,f4,f5,f6")
	params.Set("fields2", "f51,f52,f53,f54,f55,f56")
	params.Set("klt", "101")
	params.Set("fqt", "1")
	params.Set("beg", formatCompactDate(start, "0"))
	params.Set("end", formatCompactDate(end, "20500101"))

	body, err := f.get(ctx, f.config.BaseURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	bars, err := ParseEastmoneyKlines(body, code)
	if err != nil {
		return nil, err
	}
	bars = InRange(bars, start, end)
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s: %w", code, ErrNoData)
	}
	return bars, nil
}

func formatCompactDate(t time.Time, fallback string) string {
	if t.IsZero() {
		return fallback
	}
	return t.Format("20060102")
}

// get performs a paced GET with retries. Transport failures, 429 and 5xx are
// retried and finally reported as ErrUnavailable.
func (f *EastmoneyFeed) get(ctx context.Context, u string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < f.config.MaxRetries; attempt++ {
		if attempt > 0 {
			f.logger.Debug("Retrying kline request", "attempt", attempt+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.config.RetryDelay * time.Duration(attempt)):
			}
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, retry, err := f.do(ctx, u)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retry {
			return nil, err
		}
		lastErr = err
	}

	f.logger.Warn("Kline request failed", "attempts", f.config.MaxRetries, "error", lastErr)
	return nil, fmt.Errorf("eastmoney: %v: %w", lastErr, ErrUnavailable)
}

func (f *EastmoneyFeed) do(ctx context.Context, u string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("User-Agent", eastmoneyUserAgent)
	req.Header.Set("Referer", eastmoneyReferer)
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return body, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("http %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("eastmoney: http %d", resp.StatusCode)
	}
}

// ParseEastmoneyKlines decodes a kline response. Each entry of data.klines is
// "date,open,close,high,low,volume".
func ParseEastmoneyKlines(body []byte, code string) ([]Bar, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("eastmoney: invalid json for %s", code)
	}
	klines := gjson.GetBytes(body, "data.klines")
	if !klines.Exists() || !klines.IsArray() {
		return nil, fmt.Errorf("%s: %w", code, ErrNoData)
	}

	arr := klines.Array()
	bars := make([]Bar, 0, len(arr))
	for _, v := range arr {
		parts := strings.Split(strings.TrimSpace(v.String()), ",")
		if len(parts) < 6 {
			continue
		}
		date, err := time.Parse(DateLayout, parts[0])
		if err != nil {
			return nil, fmt.Errorf("eastmoney: bad date %q for %s", parts[0], code)
		}
		values := make([]float64, 5)
		for i := range values {
			values[i], err = strconv.ParseFloat(parts[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("eastmoney: bad field %q for %s on %s", parts[i+1], code, parts[0])
			}
		}
		bars = append(bars, Bar{
			Code:   code,
			Date:   date,
			Open:   values[0],
			Close:  values[1],
			High:   values[2],
			Low:    values[3],
			Volume: values[4],
		})
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s: %w", code, ErrNoData)
	}
	return Normalize(bars), nil
}
