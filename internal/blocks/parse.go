package blocks

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

var requiredColumns = []string{
	"block_lat", "block_lon", "total_buildings", "old_buildings",
	"old_ratio", "center_lat", "center_lon", "color",
}

// Parse reads a headered block CSV. Rows whose block coordinates are missing,
// non-numeric or zero are dropped; other unparsable numbers become zero.
func Parse(r io.Reader) ([]Block, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blocks: read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for position, name := range header {
		index[strings.TrimPrefix(strings.TrimSpace(name), "\ufeff")] = position
	}
	for _, column := range requiredColumns {
		if _, ok := index[column]; !ok {
			return nil, fmt.Errorf("blocks: missing column %q", column)
		}
	}

	var out []Block
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("blocks: read row: %w", err)
		}
		if blank(row) {
			continue
		}
		field := func(name string) string {
			position := index[name]
			if position >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[position])
		}

		block := Block{
			BlockLat:       parseFloat(field("block_lat")),
			BlockLon:       parseFloat(field("block_lon")),
			TotalBuildings: parseInt(field("total_buildings")),
			OldBuildings:   parseInt(field("old_buildings")),
			OldRatio:       zeroIfNaN(parseFloat(field("old_ratio"))),
			CenterLat:      zeroIfNaN(parseFloat(field("center_lat"))),
			CenterLon:      zeroIfNaN(parseFloat(field("center_lon"))),
			Color:          Color(field("color")),
		}
		if math.IsNaN(block.BlockLat) || math.IsNaN(block.BlockLon) || block.BlockLat == 0 || block.BlockLon == 0 {
			continue
		}
		out = append(out, block)
	}
	return out, nil
}

func blank(row []string) bool {
	for _, value := range row {
		if strings.TrimSpace(value) != "" {
			return false
		}
	}
	return true
}

func parseFloat(raw string) float64 {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return math.NaN()
	}
	return value
}

func parseInt(raw string) int {
	value, err := strconv.Atoi(raw)
	if err == nil {
		return value
	}
	// Datasets exported from pandas sometimes carry "12.0".
	if f := parseFloat(raw); !math.IsNaN(f) {
		return int(f)
	}
	return 0
}

func zeroIfNaN(value float64) float64 {
	if math.IsNaN(value) {
		return 0
	}
	return value
}
