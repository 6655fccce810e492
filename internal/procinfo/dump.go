package procinfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// dumpVersion is the schema version written into every dump.
const dumpVersion = 1

var (
	ErrCorruptedDump      = errors.New("report dump is corrupted")
	ErrIncompatibleSchema = errors.New("report dump schema version is incompatible")
)

type dumpFile struct {
	SchemaVer int    `json:"schema_ver"`
	Report    Report `json:"report"`
}

// Dump persists reports to a single JSON file. Writes go to a temporary
// file that is renamed over the target, so readers never see a torn dump.
type Dump struct {
	path string
	mu   sync.Mutex
}

// NewDump returns a Dump writing to path.
func NewDump(path string) *Dump {
	return &Dump{path: path}
}

// Path returns the dump file path.
func (d *Dump) Path() string { return d.path }

// Write replaces the dump with r.
func (d *Dump) Write(r Report) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := json.MarshalIndent(dumpFile{SchemaVer: dumpVersion, Report: r}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp dump: %w", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename dump: %w", err)
	}
	return nil
}

// Load reads the dump back.
func (d *Dump) Load() (Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.path)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read dump: %w", err)
	}

	var f dumpFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrCorruptedDump, err)
	}
	if f.SchemaVer != dumpVersion {
		return Report{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleSchema, f.SchemaVer, dumpVersion)
	}
	return f.Report, nil
}
