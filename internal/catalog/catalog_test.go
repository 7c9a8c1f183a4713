package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestStaticRoundRobin(t *testing.T) {
	c, err := Static(3, 1, 4)
	if err != nil {
		t.Fatalf("Static() error = %v", err)
	}

	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
	if c.First() != 3 {
		t.Errorf("First() = %d, want 3", c.First())
	}

	want := []int{3, 1, 4, 3, 1}
	for i, w := range want {
		if got := c.Next(); got != w {
			t.Errorf("Next() call %d = %d, want %d", i+1, got, w)
		}
	}
}

func TestStaticRejectsBadIDs(t *testing.T) {
	if _, err := Static(); err == nil {
		t.Error("Static() with no ids error = nil, want error")
	}
	if _, err := Static(0); err == nil {
		t.Error("Static(0) error = nil, want error")
	}
	if _, err := Static(1, -5); err == nil {
		t.Error("Static(1, -5) error = nil, want error")
	}
}

func TestStaticDeduplicates(t *testing.T) {
	c, err := Static(2, 2, 7, 2)
	if err != nil {
		t.Fatalf("Static() error = %v", err)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if got := c.IDs(); len(got) != 2 || got[0] != 2 || got[1] != 7 {
		t.Errorf("IDs() = %v, want [2 7]", got)
	}
}

func TestFromCSVLoadAndContains(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "products.csv")
	csvContent := `product_id,name,base_price
1,Organic Bananas,0.79
2,Sourdough Loaf,4.99
3,Cold Brew Coffee,3.49`

	if err := os.WriteFile(csvPath, []byte(csvContent), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	c, err := FromCSV(csvPath)
	if err != nil {
		t.Fatalf("FromCSV() error = %v", err)
	}

	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
	for _, id := range []int{1, 2, 3} {
		if !c.Contains(id) {
			t.Errorf("Contains(%d) = false, want true", id)
		}
	}
	if c.Contains(99) {
		t.Errorf("Contains(99) = true, want false")
	}
}

func TestFromCSVMissingIDColumn(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "products.csv")
	if err := os.WriteFile(csvPath, []byte("sku,name\nA-1,Bananas"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := FromCSV(csvPath)
	if err == nil {
		t.Fatal("FromCSV() without product_id column error = nil, want error")
	}
	if !strings.Contains(err.Error(), "product_id") {
		t.Errorf("error %q missing mention of product_id", err.Error())
	}
}

func TestFromCSVWithMissingFile(t *testing.T) {
	_, err := FromCSV("/nonexistent/path/products.csv")
	if err == nil {
		t.Fatal("FromCSV() with missing file error = nil, want error")
	}
}

func TestFromCSVWithEmptyFile(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "empty.csv")
	if err := os.WriteFile(csvPath, []byte(""), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := FromCSV(csvPath)
	if err == nil {
		t.Fatal("FromCSV() with empty file error = nil, want error")
	}
}

func TestFromJSONLoadAndRoundRobin(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "products.json")
	jsonContent := `[
		{"product_id": 10, "name": "Widget"},
		{"product_id": "20", "name": "Gadget"}
	]`

	if err := os.WriteFile(jsonPath, []byte(jsonContent), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	c, err := FromJSON(jsonPath)
	if err != nil {
		t.Fatalf("FromJSON() error = %v", err)
	}

	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if got := c.Next(); got != 10 {
		t.Errorf("Next() = %d, want 10", got)
	}
	if got := c.Next(); got != 20 {
		t.Errorf("Next() = %d, want 20", got)
	}
	if got := c.Next(); got != 10 {
		t.Errorf("Next() (looped) = %d, want 10", got)
	}
}

func TestFromJSONWithInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "invalid.json")
	if err := os.WriteFile(jsonPath, []byte(`{invalid json`), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := FromJSON(jsonPath)
	if err == nil {
		t.Fatal("FromJSON() with invalid JSON error = nil, want error")
	}
}

func TestFromJSONRejectsFractionalID(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "products.json")
	if err := os.WriteFile(jsonPath, []byte(`[{"product_id": 1.5}]`), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := FromJSON(jsonPath)
	if err == nil {
		t.Fatal("FromJSON() with fractional id error = nil, want error")
	}
}

func TestLoadDispatch(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "products.csv")
	if err := os.WriteFile(csvPath, []byte("product_id\n5\n6"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	c, err := Load(csvPath, "csv", 1)
	if err != nil {
		t.Fatalf("Load(csv) error = %v", err)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}

	c, err = Load("", "", 42)
	if err != nil {
		t.Fatalf("Load(empty) error = %v", err)
	}
	if c.Len() != 1 || c.First() != 42 {
		t.Errorf("Load(empty) = %v, want single product 42", c.IDs())
	}

	if _, err := Load(csvPath, "xml", 1); err == nil {
		t.Error("Load() with unsupported type error = nil, want error")
	}
}

func TestCatalogConcurrentAccess(t *testing.T) {
	ids := make([]int, 100)
	for i := range ids {
		ids[i] = i + 1
	}
	c, err := Static(ids...)
	if err != nil {
		t.Fatalf("Static() error = %v", err)
	}

	const numGoroutines = 50
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	idsChan := make(chan int, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			idsChan <- c.Next()
		}()
	}

	wg.Wait()
	close(idsChan)

	// Fewer draws than catalog entries, so round-robin means no duplicates.
	seen := make(map[int]bool)
	count := 0
	for id := range idsChan {
		if seen[id] {
			t.Errorf("Duplicate product id: %d", id)
		}
		seen[id] = true
		count++
	}
	if count != numGoroutines {
		t.Errorf("Got %d ids, want %d", count, numGoroutines)
	}
}
