// Package index implements the Event Log's query-optimized tier: a single
// logical table keyed by (partition_key, sort_key), with compact metadata
// in Payload and large artifacts left in the blob tier behind BlobPointer.
// Two backends are provided, Postgres (production) and an embedded bbolt
// store (local/dev/tests), both satisfying the same Index interface.
package index

import (
	"context"
	"time"
)

// Record is one row of the composite-key table.
type Record struct {
	PartitionKey string
	SortKey      string
	Payload      []byte // compact JSON metadata
	BlobPointer  string
	ModelID      string // populated for RUN#<id>/META rows; drives the model_id secondary index
	ManifestID   string // populated for RUN#<id>/META rows; drives the manifest_id secondary index
	UpdatedAt    time.Time
	Version      int64 // monotonic per key, incremented on every write; the CAS token for PutIfVersion
}

// Index is the composite-key store every component reads and writes
// through. All operations must be safe under at-least-once delivery: Put
// with conditional=true is a write-if-absent, and non-conditional Put is
// last-write-wins over identical content.
type Index interface {
	// Put writes rec. If conditional is true, the write only takes effect
	// when no record exists at (PartitionKey, SortKey); the returned bool
	// reports whether this call's content is the one now stored.
	Put(ctx context.Context, rec Record, conditional bool) (written bool, err error)

	// PutIfVersion is a versioned conditional write: it takes effect only
	// when the stored record's version equals expectedVersion (0 means the
	// record must be absent). Returns false, without error, when the version
	// has moved; callers re-read and retry. This is the concurrency control
	// for read-modify-write keys like the Period Aggregate.
	PutIfVersion(ctx context.Context, rec Record, expectedVersion int64) (written bool, err error)

	// Get fetches a single record. found is false if absent.
	Get(ctx context.Context, partitionKey, sortKey string) (rec Record, found bool, err error)

	// QueryByPrefix enumerates all records in a partition whose sort_key
	// has the given prefix, ordered lexically (== numeric order for
	// zero-padded turn indices).
	QueryByPrefix(ctx context.Context, partitionKey, sortKeyPrefix string) ([]Record, error)

	// CountByPrefix returns the number of records QueryByPrefix would
	// return, used by the Judge's completion detection. The Postgres
	// backend counts in SQL; the bolt backend loads the records and counts
	// them.
	CountByPrefix(ctx context.Context, partitionKey, sortKeyPrefix string) (int, error)

	// QueryBySecondary enumerates RUN#.../META records for a given model_id
	// or manifest_id secondary key, ordered by partition_key.
	QueryBySecondary(ctx context.Context, field, value string) ([]Record, error)

	// ScanBySortKey is the accepted full-scan query used only by the
	// Curator and the external read API.
	ScanBySortKey(ctx context.Context, sortKey string) ([]Record, error)

	Close() error
}

// Key layout helpers, centralized so every caller builds keys identically.

func ManifestKey(manifestID string) (pk, sk string) { return "MANIFEST#" + manifestID, "META" }

func RunMetaKey(runID string) (pk, sk string) { return "RUN#" + runID, "META" }

func TurnKey(runID string, turnIndex string) (pk, sk string) { return "RUN#" + runID, "TURN#" + turnIndex }

func JudgmentKey(runID string, turnIndex string) (pk, sk string) {
	return "RUN#" + runID, "JUDGE#" + turnIndex
}

func RunSummaryKey(runID string) (pk, sk string) { return "RUN#" + runID, "SUMMARY" }

func PeriodAggregateKey(periodKey, modelID string) (pk, sk string) {
	return "WEEK#" + periodKey + "#MODEL#" + modelID, "SUMMARY"
}

const (
	TurnPrefix     = "TURN#"
	JudgmentPrefix = "JUDGE#"
)
