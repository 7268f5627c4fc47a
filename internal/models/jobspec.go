package models

// JobSpec is the operator-supplied definition of a migration job, loaded from
// YAML by `shuttle plan` or submitted through the service API.
type JobSpec struct {
	Source ConnectionDescriptor `json:"source" yaml:"source" validate:"required"`
	Target ConnectionDescriptor `json:"target" yaml:"target" validate:"required"`

	// Tables restricts the migration to the named source tables. Empty means
	// every table the source adapter discovers.
	Tables []string `json:"tables,omitempty" yaml:"tables"`

	Mappings MappingSet `json:"mappings,omitempty" yaml:"mappings"`

	ChunkSize               int64   `json:"chunk_size,omitempty" yaml:"chunk_size" validate:"omitempty,gt=0"`
	MaxRetries              int     `json:"max_retries,omitempty" yaml:"max_retries" validate:"omitempty,gte=0"`
	FailureThresholdPercent float64 `json:"failure_threshold_percent,omitempty" yaml:"failure_threshold_percent" validate:"omitempty,gt=0,lte=100"`
	MaxConcurrentWorkers    int     `json:"max_concurrent_workers,omitempty" yaml:"max_concurrent_workers" validate:"omitempty,gt=0"`
	Priority                int     `json:"priority,omitempty" yaml:"priority"`
	ValidationEnabled       *bool   `json:"validation,omitempty" yaml:"validation"`
	DropConstraints         bool    `json:"drop_constraints,omitempty" yaml:"drop_constraints"`
}
