// Package ingest turns CSV exports and DSA folder listings into records.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"dsawrangler/internal/config"
	"dsawrangler/internal/core/record"
)

// ReadCSV parses a header-first CSV. Columns are matched to record fields by
// cols, case-insensitively. Rows without an id fall back to the remote id,
// then to "row-N".
func ReadCSV(r io.Reader, cols config.CSVSettings) ([]record.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	index := map[string]int{}
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	col := func(name string) int {
		if name == "" {
			return -1
		}
		if i, ok := index[strings.ToLower(name)]; ok {
			return i
		}
		return -1
	}
	idx := struct {
		id, remote, name, local, stain, region, ext, stainP, regionP int
	}{
		col(cols.ID), col(cols.RemoteID), col(cols.Name), col(cols.LocalCaseID), col(cols.LocalStainID),
		col(cols.LocalRegionID), col(cols.ExternalCaseID), col(cols.StainProtocols), col(cols.RegionProtocols),
	}
	if idx.id < 0 && idx.remote < 0 && idx.local < 0 {
		return nil, fmt.Errorf("csv: none of the columns %q, %q, %q found", cols.ID, cols.RemoteID, cols.LocalCaseID)
	}
	sep := cols.ProtocolSeparator
	if sep == "" {
		sep = ";"
	}

	var out []record.Record
	seen := map[string]int{}
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		get := func(i int) string {
			if i < 0 || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		if blank(row) {
			continue
		}
		rec := record.Record{
			ID:              get(idx.id),
			RemoteID:        get(idx.remote),
			Name:            get(idx.name),
			LocalCaseID:     get(idx.local),
			LocalStainID:    get(idx.stain),
			LocalRegionID:   get(idx.region),
			ExternalCaseID:  get(idx.ext),
			StainProtocols:  splitProtocols(get(idx.stainP), sep),
			RegionProtocols: splitProtocols(get(idx.regionP), sep),
		}
		if rec.ID == "" {
			rec.ID = rec.RemoteID
		}
		if rec.ID == "" {
			rec.ID = fmt.Sprintf("row-%d", line)
		}
		if prev, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("csv line %d: id %q already used on line %d", line, rec.ID, prev)
		}
		if rec.ExternalCaseID != "" && rec.LocalCaseID == "" {
			return nil, fmt.Errorf("csv line %d: external case id %q without local case id", line, rec.ExternalCaseID)
		}
		seen[rec.ID] = line
		out = append(out, rec)
	}
	return out, nil
}

// LoadCSVFile opens path and calls ReadCSV.
func LoadCSVFile(path string, cols config.CSVSettings) ([]record.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := ReadCSV(f, cols)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}

func splitProtocols(s, sep string) []string {
	if s == "" {
		return nil
	}
	return record.NormalizeProtocols(strings.Split(s, sep))
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
