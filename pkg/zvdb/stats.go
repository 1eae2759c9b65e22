package zvdb

// Stats is a read-only snapshot of a Database's operational counters,
// queryable by the embedding process but not consumed by any
// query-planning logic.
type Stats struct {
	TableCount          int
	IndexCount          int
	WalEnabled          bool
	WalSegment          uint64
	LastCheckpointTxID  uint64
	TxnCountSinceVacuum uint64
	NodeCountByIndex    map[IndexRef]int
}

// Stats returns a snapshot of the database's current operational counters.
func (db *Database) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()

	nodeCounts := make(map[IndexRef]int, len(db.indexes))
	for ref, idx := range db.indexes {
		nodeCounts[ref] = idx.Len()
	}

	s := Stats{
		TableCount:          len(db.tables),
		IndexCount:          len(db.indexes),
		WalEnabled:          db.wal != nil,
		LastCheckpointTxID:  db.lastCheckpointTxID,
		TxnCountSinceVacuum: db.txnCountSinceVacuum,
		NodeCountByIndex:    nodeCounts,
	}
	if db.wal != nil {
		s.WalSegment = db.wal.CurrentSegment()
	}
	return s
}
