package product

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads and validates a single product config. Unknown YAML fields
// are rejected so a typoed key fails loudly instead of silently defaulting.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open product config: %w", err)
	}
	defer func() { _ = f.Close() }()

	var c Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", filepath.Base(path), err)
	}
	return &c, nil
}

// LoadDir loads every *.yaml/*.yml file in dir, keyed by product slug.
// A duplicate slug across files is a configuration error.
func LoadDir(dir string) (map[string]*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read products dir: %w", err)
	}

	products := make(map[string]*Config)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		c, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := products[c.Slug]; dup {
			return nil, fmt.Errorf("duplicate product slug %q (file %s)", c.Slug, e.Name())
		}
		products[c.Slug] = c
	}

	if len(products) == 0 {
		return nil, fmt.Errorf("no product configs found in %s", dir)
	}
	return products, nil
}

// Slugs returns the configured product slugs in sorted order.
func Slugs(products map[string]*Config) []string {
	out := make([]string, 0, len(products))
	for slug := range products {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
