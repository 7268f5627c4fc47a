package catalog

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/shuttle/internal/common"
)

// Catalog bundles the catalog connection and its stores.
type Catalog struct {
	DB      *CatalogDB
	Jobs    *JobStore
	Chunks  *ChunkStore
	Workers *WorkerStore
	Audit   *AuditStore
	Metrics *MetricsStore
	Leases  *LeaseStore
}

// Open connects to the configured catalog database and wires up all stores.
func Open(logger arbor.ILogger, config *common.Config) (*Catalog, error) {
	db, err := NewCatalogDB(logger, &config.Catalog)
	if err != nil {
		return nil, err
	}

	return &Catalog{
		DB:      db,
		Jobs:    NewJobStore(db, logger),
		Chunks:  NewChunkStore(db, &config.Migration, logger),
		Workers: NewWorkerStore(db, logger),
		Audit:   NewAuditStore(db, logger),
		Metrics: NewMetricsStore(db, logger),
		Leases:  NewLeaseStore(db, logger),
	}, nil
}

// Close closes the catalog connection.
func (c *Catalog) Close() error {
	return c.DB.Close()
}
