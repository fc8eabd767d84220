// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package catalog reads the schema/metadata store and workspace access
// policies consumed by the query pipeline.
//
// The catalog is a read-only view over an external persistence layer;
// here it is backed by a yaml file reloaded on change (see Watcher). The
// pipeline writes nothing back beyond cache-invalidation triggers.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Column describes one column of a catalogued table.
type Column struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
	// Synonyms are business terms users may say instead of the column
	// name ("revenue" for amount, "state" for region).
	Synonyms []string `yaml:"synonyms,omitempty" json:"synonyms,omitempty"`
}

// Table describes one catalogued table.
type Table struct {
	Name    string   `yaml:"name" json:"name"`
	Columns []Column `yaml:"columns" json:"columns"`
	// TimeColumn is the preferred column for relative time ranges.
	TimeColumn string   `yaml:"time_column,omitempty" json:"time_column,omitempty"`
	Synonyms   []string `yaml:"synonyms,omitempty" json:"synonyms,omitempty"`
}

// Dataset binds a logical dataset id to a data source and its tables.
type Dataset struct {
	ID       string  `yaml:"id" json:"id"`
	SourceID string  `yaml:"source_id" json:"source_id"`
	Tables   []Table `yaml:"tables" json:"tables"`
}

// WorkspacePolicy is the workspace-scoped access control read from the
// policy store. An empty AllowedTables list means nothing is allowed.
type WorkspacePolicy struct {
	WorkspaceID   string   `yaml:"workspace_id"`
	AllowedTables []string `yaml:"allowed_tables"`
	// DeniedColumns lists fully qualified "table.column" entries that
	// must never appear in a query for this workspace.
	DeniedColumns []string `yaml:"denied_columns,omitempty"`
	MaxRows       int      `yaml:"max_rows,omitempty"`
}

// AllowsTable reports whether the workspace may read table.
func (p *WorkspacePolicy) AllowsTable(table string) bool {
	for _, t := range p.AllowedTables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

// AllowsColumn reports whether the workspace may read table.column.
func (p *WorkspacePolicy) AllowsColumn(table, column string) bool {
	qualified := strings.ToLower(table + "." + column)
	for _, d := range p.DeniedColumns {
		if strings.ToLower(d) == qualified {
			return false
		}
	}
	return true
}

// Hints is the schema context handed to the Intent Resolver.
type Hints struct {
	DatasetID string  `json:"dataset_id"`
	SourceID  string  `json:"source_id"`
	Tables    []Table `json:"tables"`
}

// fileSchema is the on-disk yaml layout.
type fileSchema struct {
	Datasets []Dataset         `yaml:"datasets"`
	Policies []WorkspacePolicy `yaml:"policies"`
}

// Catalog is the in-memory snapshot of the schema/metadata store.
//
// Thread Safety: safe for concurrent use; Reload swaps the snapshot
// atomically under the write lock.
type Catalog struct {
	mu       sync.RWMutex
	path     string
	datasets map[string]*Dataset
	policies map[string]*WorkspacePolicy
	// versions holds the schema version per data source id, a content
	// hash of that source's datasets. Cache fingerprints include it, so
	// a schema change implicitly invalidates all dependent entries.
	versions map[string]string

	logger *slog.Logger
}

// Load reads the catalog file at path.
func Load(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{path: path, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the backing file and recomputes schema versions.
func (c *Catalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog %s: %w", c.path, err)
	}

	var fs fileSchema
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return fmt.Errorf("parse catalog %s: %w", c.path, err)
	}

	datasets := make(map[string]*Dataset, len(fs.Datasets))
	bySource := make(map[string][]*Dataset)
	for i := range fs.Datasets {
		d := &fs.Datasets[i]
		datasets[d.ID] = d
		bySource[d.SourceID] = append(bySource[d.SourceID], d)
	}

	versions := make(map[string]string, len(bySource))
	for sourceID, ds := range bySource {
		versions[sourceID] = hashDatasets(ds)
	}

	policies := make(map[string]*WorkspacePolicy, len(fs.Policies))
	for i := range fs.Policies {
		p := &fs.Policies[i]
		policies[p.WorkspaceID] = p
	}

	c.mu.Lock()
	c.datasets = datasets
	c.policies = policies
	c.versions = versions
	c.mu.Unlock()

	c.logger.Info("catalog loaded", "path", c.path,
		"datasets", len(datasets), "policies", len(policies))
	return nil
}

// Datasets returns every dataset definition, ordered by id.
func (c *Catalog) Datasets() []Dataset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Dataset, 0, len(c.datasets))
	for _, d := range c.datasets {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dataset returns the dataset definition for id.
func (c *Catalog) Dataset(id string) (*Dataset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.datasets[id]
	return d, ok
}

// HintsFor builds the resolver schema hints for a dataset.
func (c *Catalog) HintsFor(datasetID string) (*Hints, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.datasets[datasetID]
	if !ok {
		return nil, fmt.Errorf("unknown dataset %q", datasetID)
	}
	return &Hints{DatasetID: d.ID, SourceID: d.SourceID, Tables: d.Tables}, nil
}

// Policy returns the access policy for a workspace.
func (c *Catalog) Policy(workspaceID string) (*WorkspacePolicy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.policies[workspaceID]
	return p, ok
}

// SchemaVersion returns the current schema version of a data source.
// An unknown source returns the empty version.
func (c *Catalog) SchemaVersion(sourceID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[sourceID]
}

// ResolveTerm maps a business term to a column of the dataset's tables,
// honoring synonyms. The match is case-insensitive.
func (c *Catalog) ResolveTerm(datasetID, term string) (table, column string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, found := c.datasets[datasetID]
	if !found {
		return "", "", false
	}
	needle := strings.ToLower(strings.TrimSpace(term))
	for _, t := range d.Tables {
		for _, col := range t.Columns {
			if strings.ToLower(col.Name) == needle {
				return t.Name, col.Name, true
			}
			for _, syn := range col.Synonyms {
				if strings.ToLower(syn) == needle {
					return t.Name, col.Name, true
				}
			}
		}
	}
	return "", "", false
}

// hashDatasets computes a deterministic content hash over the given
// datasets. Table and column order within a dataset is part of the
// schema, so it participates in the hash as-is.
func hashDatasets(ds []*Dataset) string {
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })

	h := sha256.New()
	for _, d := range ds {
		fmt.Fprintf(h, "dataset:%s\n", d.ID)
		for _, t := range d.Tables {
			fmt.Fprintf(h, "table:%s:%s\n", t.Name, t.TimeColumn)
			for _, col := range t.Columns {
				fmt.Fprintf(h, "col:%s:%s:%s\n", col.Name, col.Type,
					strings.Join(col.Synonyms, ","))
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
