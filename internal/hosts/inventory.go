package hosts

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Inventory is the on-disk hosts file.
type Inventory struct {
	// Distributions overrides the default rank table: family -> releases, oldest first.
	Distributions map[string][]string `yaml:"distributions,omitempty"`
	Hosts         []Host              `yaml:"hosts"`
}

// LoadFile parses a hosts file.
func LoadFile(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hosts file %q: %w", path, err)
	}
	inv, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("hosts file %q: %w", path, err)
	}
	return inv, nil
}

// Parse decodes and validates inventory YAML.
func Parse(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse hosts: %w", err)
	}
	for i := range inv.Hosts {
		h := &inv.Hosts[i]
		h.Name = strings.TrimSpace(h.Name)
		h.Arch = strings.TrimSpace(h.Arch)
		if h.Arch == "" {
			return nil, fmt.Errorf("hosts[%d] (%s): arch is required", i, h.Name)
		}
		if len(h.Distributions) == 0 {
			return nil, fmt.Errorf("hosts[%d] (%s): distributions must be non-empty", i, h.Name)
		}
	}
	return &inv, nil
}

// RankTable returns the inventory's rank table, falling back to the default.
func (inv *Inventory) RankTable() (RankTable, error) {
	if len(inv.Distributions) == 0 {
		return DefaultRankTable(), nil
	}
	return NewRankTable(inv.Distributions)
}

// Pool builds an allocation pool from the inventory.
func (inv *Inventory) Pool() (*Pool, error) {
	ranks, err := inv.RankTable()
	if err != nil {
		return nil, err
	}
	return NewPool(inv.Hosts, ranks)
}
