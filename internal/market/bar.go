// Package market holds the OHLCV bar model shared by the indicator
// engine, the fitness evaluator, and the CLI data loaders.
package market

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Bar is a single OHLCV candle. Timestamps are bar-open times and must be
// strictly increasing within a series; gap-filling is the data provider's
// responsibility, not ours.
type Bar struct {
	TS     time.Time `json:"ts_open"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// ErrEmptySeries is returned when an operation requires at least one bar.
// Callers treat this as a fatal input error, never retried.
var ErrEmptySeries = errors.New("empty bar series")

// ValidateSeries checks that a series is usable for evaluation: non-empty
// with strictly increasing open timestamps.
func ValidateSeries(bars []Bar) error {
	if len(bars) == 0 {
		return ErrEmptySeries
	}

	for i := 1; i < len(bars); i++ {
		if !bars[i].TS.After(bars[i-1].TS) {
			return fmt.Errorf("bar %d: timestamp %s not after previous %s",
				i, bars[i].TS.Format(time.RFC3339), bars[i-1].TS.Format(time.RFC3339))
		}
	}

	return nil
}

// Closes extracts the close column from a series.
func Closes(bars []Bar) []float64 {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return closes
}

// LoadCSV reads a bar series from a CSV file with the header
// ts_open,open,high,low,close,volume where ts_open is epoch seconds.
func LoadCSV(path string) ([]Bar, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from the CLI flag
	if err != nil {
		return nil, fmt.Errorf("open bar data: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read bar data: %w", err)
	}

	if len(records) == 0 {
		return nil, ErrEmptySeries
	}

	// Skip a header row if present
	start := 0
	if _, err := strconv.ParseInt(records[0][0], 10, 64); err != nil {
		start = 1
	}

	bars := make([]Bar, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < 6 {
			return nil, fmt.Errorf("row %d: expected 6 columns, got %d", i+1, len(rec))
		}

		ts, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid ts_open %q: %w", i+1, rec[0], err)
		}

		fields := make([]float64, 5)
		for j := 1; j <= 5; j++ {
			v, err := strconv.ParseFloat(rec[j], 64)
			if err != nil {
				return nil, fmt.Errorf("row %d col %d: invalid number %q: %w", i+1, j+1, rec[j], err)
			}
			fields[j-1] = v
		}

		bars = append(bars, Bar{
			TS:     time.Unix(ts, 0).UTC(),
			Open:   fields[0],
			High:   fields[1],
			Low:    fields[2],
			Close:  fields[3],
			Volume: fields[4],
		})
	}

	if err := ValidateSeries(bars); err != nil {
		return nil, err
	}

	return bars, nil
}

// SyntheticTrend builds a deterministic series that trends up for the
// first half and down for the second. Used by tests and demos; the bar
// bodies are small and the range is widened slightly so range-based
// indicators have something to measure.
func SyntheticTrend(n int, base, step float64) []Bar {
	bars := make([]Bar, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := base

	for i := 0; i < n; i++ {
		if i < n/2 {
			price += step
		} else {
			price -= step
		}

		open := price - step/2
		bars[i] = Bar{
			TS:     start.Add(time.Duration(i) * time.Hour),
			Open:   open,
			High:   price + step,
			Low:    open - step,
			Close:  price,
			Volume: 1000 + float64(i%7)*50,
		}
	}

	return bars
}
