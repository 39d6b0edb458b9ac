package feed

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantbench/rebalancer/internal/domain"
)

// LoadCSVDir builds a feed from one CSV file per asset in dir. File names
// map to asset IDs with "_" standing in for "/" (BTC_USD.csv -> BTC/USD).
// Row format: `unix_seconds,open,high,low,close,volume`, header optional.
// Bars must be in increasing timestamp order with no duplicates per asset.
func LoadCSVDir(dir string, assets []domain.Asset) (Feed, error) {
	series := make(map[string][]domain.Bar, len(assets))
	for _, a := range assets {
		path := filepath.Join(dir, strings.ReplaceAll(a.ID, "/", "_")+".csv")
		bars, err := loadCSV(path)
		if err != nil {
			if os.IsNotExist(err) {
				log.Warn().Str("asset", a.ID).Str("path", path).Msg("no history file, asset skipped")
				continue
			}
			return nil, err
		}
		series[a.ID] = bars
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("no history files found in %s", dir)
	}
	return FromSteps(merge(series)), nil
}

func loadCSV(path string) ([]domain.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	var bars []domain.Bar
	var lastTS int64
	line := 0
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		line++
		if len(rec) != 6 {
			return nil, fmt.Errorf("%s line %d: want 6 fields, got %d", path, line, len(rec))
		}
		unix, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("%s line %d: bad timestamp: %w", path, line, err)
		}
		if unix <= lastTS && lastTS != 0 {
			return nil, fmt.Errorf("%s line %d: timestamps not strictly increasing", path, line)
		}
		lastTS = unix

		vals := make([]float64, 5)
		for i := 0; i < 5; i++ {
			v, err := strconv.ParseFloat(rec[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d field %d: %w", path, line, i+1, err)
			}
			vals[i] = v
		}
		bars = append(bars, domain.Bar{
			Timestamp: time.Unix(unix, 0).UTC(),
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		})
	}
	return bars, nil
}
