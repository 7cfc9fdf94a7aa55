// Package bom resolves detected class names to bill-of-materials entries.
package bom

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/menta2k/production-vision/pkg/types"
)

// ErrFormat is returned for BOM files that cannot be parsed
var ErrFormat = errors.New("invalid bom file")

var csvHeader = []string{"class_name", "program", "part_number", "description"}

type entry struct {
	Program     string `yaml:"program"`
	PartNumber  string `yaml:"part_number"`
	Description string `yaml:"description"`
}

// Table is an immutable class name to part lookup
type Table struct {
	parts map[string]types.PartInfo
}

// New builds a table from a map. The map is copied.
func New(parts map[string]types.PartInfo) *Table {
	t := &Table{parts: make(map[string]types.PartInfo, len(parts))}
	for k, v := range parts {
		t.parts[strings.TrimSpace(k)] = v
	}
	return t
}

// Load reads a BOM from a YAML (.yaml, .yml) or CSV (.csv) file
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bom: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(f)
	case ".csv":
		return ParseCSV(f)
	}
	return nil, fmt.Errorf("%w: unsupported extension %q", ErrFormat, filepath.Ext(path))
}

// ParseYAML reads a mapping of class name to program/part_number/description
func ParseYAML(r io.Reader) (*Table, error) {
	var raw map[string]entry
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	parts := make(map[string]types.PartInfo, len(raw))
	for name, e := range raw {
		parts[name] = types.PartInfo(e)
	}
	return New(parts), nil
}

// ParseCSV reads rows of class_name,program,part_number,description. The
// header row is required.
func ParseCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = len(csvHeader)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrFormat, err)
	}
	for i, col := range csvHeader {
		if strings.ToLower(strings.TrimSpace(header[i])) != col {
			return nil, fmt.Errorf("%w: column %d is %q, want %q", ErrFormat, i+1, header[i], col)
		}
	}

	parts := make(map[string]types.PartInfo)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFormat, err)
		}
		parts[rec[0]] = types.PartInfo{Program: rec[1], PartNumber: rec[2], Description: rec[3]}
	}
	return New(parts), nil
}

// Lookup returns the part for a class name
func (t *Table) Lookup(className string) (types.PartInfo, bool) {
	if t == nil {
		return types.PartInfo{}, false
	}
	p, ok := t.parts[strings.TrimSpace(className)]
	return p, ok
}

// Len returns the number of entries
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.parts)
}
