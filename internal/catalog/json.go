package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FromJSON builds a catalog from a JSON file containing an array of objects.
// Each object must carry a product_id field (number or numeric string).
func FromJSON(path string) (*Catalog, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open JSON file: %w", err)
	}
	defer file.Close()

	var rawRecords []map[string]interface{}
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&rawRecords); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}

	if len(rawRecords) == 0 {
		return nil, fmt.Errorf("JSON file contains empty array")
	}

	ids := make([]int, 0, len(rawRecords))
	for i, rawRecord := range rawRecords {
		raw, ok := rawRecord["product_id"]
		if !ok {
			return nil, fmt.Errorf("record %d is missing product_id", i)
		}
		id, err := toProductID(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		ids = append(ids, id)
	}

	return fromIDs(ids)
}

func toProductID(value interface{}) (int, error) {
	switch v := value.(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("product_id %v is not an integer", v)
		}
		return int(v), nil
	case string:
		id, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("product_id %q is not an integer", v)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("product_id has unsupported type %T", value)
	}
}
