// Package blob implements the Event Log's append-only, path-addressed
// tier: immutable per-turn and per-judgment artifacts, curated run/weekly
// outputs, manifests, and the active configuration. The production backend
// is S3-compatible object storage (AWS S3, MinIO, Hetzner, LakeFS); an
// in-memory backend satisfies the same interface for deterministic offline
// tests.
package blob

import (
	"context"
	"fmt"
)

// Blob is the path-addressed object store every component writes immutable
// artifacts through. Writes must be atomic per object: no partial objects
// are ever visible on Get.
type Blob interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// ErrNotFound is returned by Get when key does not exist.
var ErrNotFound = fmt.Errorf("blob: not found")

// Path helpers centralize the key layout so every caller builds the same
// paths.

func ManifestPath(manifestID string) string { return "manifests/" + manifestID }

func TurnPath(runID, paddedTurnIndex string) string {
	return "raw/runs/" + runID + "/turn_" + paddedTurnIndex
}

func JudgmentPath(runID, paddedTurnIndex string) string {
	return "raw/runs/" + runID + "/judge_" + paddedTurnIndex
}

func CuratedRunPath(runID string) string { return "curated/runs/" + runID }

func CuratedWeeklyPath(periodKey, modelID string) string {
	return "curated/weekly/" + periodKey + "/" + modelID
}

// ActiveConfigPath is the single well-known path for the active
// configuration document.
const ActiveConfigPath = "config/active.json"
