package networks

import (
	"bytes"
	"encoding/csv"
	"strings"

	"github.com/lootfox/revmatch/pkg/fetcher"
	"github.com/lootfox/revmatch/pkg/schema"
)

// csvTable is a parsed CSV report: a lowercased header index plus the data
// rows. Adapters look columns up by name so reordered reports keep working.
type csvTable struct {
	columns map[string]int
	rows    [][]string
}

// parseCSV reads an entire CSV payload. An empty or header-only payload
// yields a table with zero rows; malformed CSV is a ResponseShapeError.
func parseCSV(network schema.Network, body []byte) (*csvTable, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, &fetcher.ResponseShapeError{Network: network, Err: err}
	}
	if len(records) == 0 {
		return &csvTable{columns: map[string]int{}}, nil
	}

	columns := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return &csvTable{columns: columns, rows: records[1:]}, nil
}

// field returns the named column of a row, empty when the column is absent
// or the row is short.
func (t *csvTable) field(row []string, name string) string {
	i, ok := t.columns[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// require verifies the named columns exist, returning the missing ones.
func (t *csvTable) require(names ...string) []string {
	var missing []string
	for _, name := range names {
		if _, ok := t.columns[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
