package storage

import (
	"encoding/json"
	"fmt"
	"os"

	"traceai/internal/graph"
)

// SaveJSONDump writes the graph dump as an indented JSON snapshot, the
// portable interchange format next to the SQLite database.
func SaveJSONDump(path string, dump *graph.Dump) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		return fmt.Errorf("storage: encode dump: %w", err)
	}
	return nil
}

// LoadJSONDump reads a snapshot written by SaveJSONDump. Readers accept
// any schema_version at or below the current one.
func LoadJSONDump(path string) (*graph.Dump, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	defer f.Close()

	var dump graph.Dump
	if err := json.NewDecoder(f).Decode(&dump); err != nil {
		return nil, fmt.Errorf("storage: decode dump: %w", err)
	}
	if dump.SchemaVersion > graph.DumpSchemaVersion {
		return nil, fmt.Errorf("storage: dump schema %d is newer than supported %d",
			dump.SchemaVersion, graph.DumpSchemaVersion)
	}
	return &dump, nil
}
