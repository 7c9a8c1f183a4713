package catalog

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FromCSV builds a catalog from a CSV file. The first row is treated as the
// header and must contain a product_id column; other columns are ignored.
func FromCSV(path string) (*Catalog, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read CSV: %w", err)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("CSV file is empty")
	}

	if len(rows) < 2 {
		return nil, fmt.Errorf("CSV file must have at least one header row and one data row")
	}

	header := rows[0]
	idColumn := -1
	for i, field := range header {
		if strings.EqualFold(strings.TrimSpace(field), "product_id") {
			idColumn = i
			break
		}
	}
	if idColumn == -1 {
		return nil, fmt.Errorf("CSV header is missing a product_id column")
	}

	dataRows := rows[1:]
	ids := make([]int, 0, len(dataRows))
	for i, row := range dataRows {
		if len(row) != len(header) {
			return nil, fmt.Errorf("row %d has %d fields, expected %d", i+2, len(row), len(header))
		}
		id, err := strconv.Atoi(strings.TrimSpace(row[idColumn]))
		if err != nil {
			return nil, fmt.Errorf("row %d: product_id %q is not an integer", i+2, row[idColumn])
		}
		ids = append(ids, id)
	}

	return fromIDs(ids)
}
