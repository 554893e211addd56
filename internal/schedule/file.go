package schedule

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRow is returned when a row in a row file lacks usable dates.
var ErrInvalidRow = errors.New("invalid schedule row")

// fileRow is the on-disk shape of a row: dates are strings so that both
// RFC 3339 and local wall-clock values are accepted.
type fileRow struct {
	Row   `yaml:",inline"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// LoadFile reads rows from path. HTML files are scraped with ParseHTML;
// anything else is decoded as a YAML (or JSON) list of rows.
func LoadFile(path string, loc *time.Location) ([]Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return ParseHTML(bytes.NewReader(data), loc)
	default:
		return DecodeRows(data, loc)
	}
}

// DecodeRows decodes a YAML or JSON list of rows.
func DecodeRows(data []byte, loc *time.Location) ([]Row, error) {
	var raw []fileRow
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode rows: %w", err)
	}

	rows := make([]Row, 0, len(raw))
	for i, fr := range raw {
		start, err := ParseDate(fr.Start, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d start: %w", ErrInvalidRow, i, err)
		}
		end, err := ParseDate(fr.End, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d end: %w", ErrInvalidRow, i, err)
		}

		row := fr.Row
		row.Start = start
		row.End = end
		if row.Index == nil {
			row.Index = IntPtr(i)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
