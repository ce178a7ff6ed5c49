// Package capacity loads the static per-site GPU capacity table and merges it
// with reconciled session usage.
package capacity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/skobkin/gpuavail/internal/fault"
)

// Table is the static capacity of every site.
type Table struct {
	Sites []Site `yaml:"sites" json:"sites"`
}

// Site lists the GPU capacity of one site.
type Site struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	GPUs []GPU  `yaml:"gpus" json:"gpus"`
}

// GPU is the total instance count of one product at a site.
type GPU struct {
	Product string `yaml:"product" json:"product"`
	Count   int    `yaml:"count" json:"count"`
}

// Source provides the capacity table for one request cycle.
type Source interface {
	Load(ctx context.Context) (Table, error)
}

// FileSource reads the table from a YAML file on every Load.
type FileSource struct {
	Path string
}

// Load reads and validates the file.
func (s FileSource) Load(ctx context.Context) (Table, error) {
	if err := ctx.Err(); err != nil {
		return Table{}, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Table{}, fmt.Errorf("%w: read %s: %w", fault.ErrInvalidCapacityConfig, s.Path, err)
	}
	table, err := Parse(data)
	if err != nil {
		return Table{}, fmt.Errorf("%s: %w", s.Path, err)
	}
	return table, nil
}

// StaticSource serves a fixed table.
type StaticSource Table

// Load returns the table.
func (s StaticSource) Load(context.Context) (Table, error) {
	return Table(s), nil
}

// Parse decodes and validates a YAML capacity table. An empty document is an empty table.
func Parse(data []byte) (Table, error) {
	var table Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&table); err != nil && !errors.Is(err, io.EOF) {
		return Table{}, fmt.Errorf("%w: decode: %w", fault.ErrInvalidCapacityConfig, err)
	}
	if err := table.Validate(); err != nil {
		return Table{}, err
	}
	return table, nil
}

// Validate checks identifiers are present and unique and counts are non-negative.
func (t Table) Validate() error {
	seenSites := make(map[string]struct{}, len(t.Sites))
	for i, site := range t.Sites {
		id := strings.TrimSpace(site.ID)
		if id == "" {
			return fmt.Errorf("%w: sites[%d]: empty id", fault.ErrInvalidCapacityConfig, i)
		}
		if _, dup := seenSites[id]; dup {
			return fmt.Errorf("%w: duplicate site %q", fault.ErrInvalidCapacityConfig, id)
		}
		seenSites[id] = struct{}{}

		seenProducts := make(map[string]struct{}, len(site.GPUs))
		for j, gpu := range site.GPUs {
			product := strings.TrimSpace(gpu.Product)
			if product == "" {
				return fmt.Errorf("%w: site %q gpus[%d]: empty product", fault.ErrInvalidCapacityConfig, id, j)
			}
			if _, dup := seenProducts[product]; dup {
				return fmt.Errorf("%w: site %q: duplicate product %q", fault.ErrInvalidCapacityConfig, id, product)
			}
			seenProducts[product] = struct{}{}
			if gpu.Count < 0 {
				return fmt.Errorf("%w: site %q product %q: negative count %d", fault.ErrInvalidCapacityConfig, id, product, gpu.Count)
			}
		}
	}
	return nil
}
