package models

import (
	"encoding/json"
	"fmt"
)

// TableMapping describes how one source table maps onto the target. A missing
// mapping for a table means "map one-to-one with identical names"; a source
// column absent from ColumnMapping passes through unchanged.
type TableMapping struct {
	TargetTable   string            `json:"target_table" yaml:"target_table"`
	ColumnMapping map[string]string `json:"column_mapping,omitempty" yaml:"column_mapping"`
	Transforms    map[string]string `json:"transforms,omitempty" yaml:"transforms"`
}

// MappingSet is the job-level table-mapping language, keyed by source table.
type MappingSet map[string]TableMapping

// Resolve returns the mapping for a source table, defaulting to identity.
func (m MappingSet) Resolve(sourceTable string) TableMapping {
	if m == nil {
		return TableMapping{TargetTable: sourceTable}
	}
	mapping, ok := m[sourceTable]
	if !ok {
		return TableMapping{TargetTable: sourceTable}
	}
	if mapping.TargetTable == "" {
		mapping.TargetTable = sourceTable
	}
	return mapping
}

// TargetColumn maps one source column name through ColumnMapping.
func (t TableMapping) TargetColumn(sourceColumn string) string {
	if t.ColumnMapping == nil {
		return sourceColumn
	}
	if target, ok := t.ColumnMapping[sourceColumn]; ok {
		return target
	}
	return sourceColumn
}

// ToJSON serializes the mapping set for catalog storage.
func (m MappingSet) ToJSON() (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to serialize mapping set: %w", err)
	}
	return string(data), nil
}

// MappingSetFromJSON deserializes a catalog-stored mapping set.
func MappingSetFromJSON(raw string) (MappingSet, error) {
	if raw == "" {
		return MappingSet{}, nil
	}
	var m MappingSet
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to deserialize mapping set: %w", err)
	}
	return m, nil
}
