// Package store gives Runner, Judge, and Curator one entity-level API over
// the Event Log's two tiers. Every write that the pipeline's idempotency
// depends on goes blob first, index second: the index record is the commit
// point, so a crash between the two leaves an unreferenced blob object
// rather than a dangling pointer, and a conditional index write that loses a
// redelivery race simply orphans this attempt's (identical) blob copy.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/blob"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/index"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/model"
)

type Store struct {
	Index index.Index
	Blob  blob.Blob
}

func New(idx index.Index, b blob.Blob) *Store {
	return &Store{Index: idx, Blob: b}
}

func (s *Store) GetManifest(ctx context.Context, manifestID string) (model.Manifest, bool, error) {
	pk, sk := index.ManifestKey(manifestID)
	rec, found, err := s.Index.Get(ctx, pk, sk)
	if err != nil || !found {
		return model.Manifest{}, false, err
	}
	var m model.Manifest
	if err := json.Unmarshal(rec.Payload, &m); err != nil {
		return model.Manifest{}, false, fmt.Errorf("store: decode manifest %s: %w", manifestID, err)
	}
	return m, true, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (model.Run, bool, error) {
	pk, sk := index.RunMetaKey(runID)
	rec, found, err := s.Index.Get(ctx, pk, sk)
	if err != nil || !found {
		return model.Run{}, false, err
	}
	var r model.Run
	if err := json.Unmarshal(rec.Payload, &r); err != nil {
		return model.Run{}, false, fmt.Errorf("store: decode run %s: %w", runID, err)
	}
	return r, true, nil
}

// PutRun overwrites the Run metadata record. Status monotonicity is the
// caller's responsibility: read, check the transition, then write.
func (s *Store) PutRun(ctx context.Context, run model.Run) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("store: encode run %s: %w", run.RunID, err)
	}
	pk, sk := index.RunMetaKey(run.RunID)
	_, err = s.Index.Put(ctx, index.Record{
		PartitionKey: pk,
		SortKey:      sk,
		Payload:      payload,
		ModelID:      run.ModelID,
		ManifestID:   run.ManifestID,
	}, false)
	return err
}

// PutTurn persists one Turn: artifact to the blob tier, compact record to
// the index, conditional on absence. Returns false when a concurrent or
// earlier delivery already wrote this (run_id, turn_index); the persisted
// copy is authoritative and this call's content is discarded.
func (s *Store) PutTurn(ctx context.Context, turn model.Turn) (bool, error) {
	padded := model.ZeroPadTurnIndex(turn.TurnIndex)
	turn.BlobPointer = blob.TurnPath(turn.RunID, padded)

	artifact, err := json.Marshal(turn)
	if err != nil {
		return false, fmt.Errorf("store: encode turn %s/%d: %w", turn.RunID, turn.TurnIndex, err)
	}
	if err := s.Blob.Put(ctx, turn.BlobPointer, artifact); err != nil {
		return false, err
	}

	pk, sk := index.TurnKey(turn.RunID, padded)
	return s.Index.Put(ctx, index.Record{
		PartitionKey: pk,
		SortKey:      sk,
		Payload:      artifact,
		BlobPointer:  turn.BlobPointer,
	}, true)
}

func (s *Store) GetTurn(ctx context.Context, runID string, turnIndex int) (model.Turn, bool, error) {
	pk, sk := index.TurnKey(runID, model.ZeroPadTurnIndex(turnIndex))
	rec, found, err := s.Index.Get(ctx, pk, sk)
	if err != nil || !found {
		return model.Turn{}, false, err
	}
	var t model.Turn
	if err := json.Unmarshal(rec.Payload, &t); err != nil {
		return model.Turn{}, false, fmt.Errorf("store: decode turn %s/%d: %w", runID, turnIndex, err)
	}
	return t, true, nil
}

// ListTurns enumerates a Run's Turns in turn_index order (the zero-padded
// sort keys make lexical order numeric order).
func (s *Store) ListTurns(ctx context.Context, runID string) ([]model.Turn, error) {
	pk, _ := index.RunMetaKey(runID)
	recs, err := s.Index.QueryByPrefix(ctx, pk, index.TurnPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]model.Turn, 0, len(recs))
	for _, rec := range recs {
		var t model.Turn
		if err := json.Unmarshal(rec.Payload, &t); err != nil {
			return nil, fmt.Errorf("store: decode turn record %s/%s: %w", rec.PartitionKey, rec.SortKey, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// PutJudgment persists one Judgment, blob then index, conditional on absence.
func (s *Store) PutJudgment(ctx context.Context, j model.Judgment) (bool, error) {
	padded := model.ZeroPadTurnIndex(j.TurnIndex)
	j.BlobPointer = blob.JudgmentPath(j.RunID, padded)

	artifact, err := json.Marshal(j)
	if err != nil {
		return false, fmt.Errorf("store: encode judgment %s/%d: %w", j.RunID, j.TurnIndex, err)
	}
	if err := s.Blob.Put(ctx, j.BlobPointer, artifact); err != nil {
		return false, err
	}

	pk, sk := index.JudgmentKey(j.RunID, padded)
	return s.Index.Put(ctx, index.Record{
		PartitionKey: pk,
		SortKey:      sk,
		Payload:      artifact,
		BlobPointer:  j.BlobPointer,
	}, true)
}

func (s *Store) ListJudgments(ctx context.Context, runID string) ([]model.Judgment, error) {
	pk, _ := index.RunMetaKey(runID)
	recs, err := s.Index.QueryByPrefix(ctx, pk, index.JudgmentPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]model.Judgment, 0, len(recs))
	for _, rec := range recs {
		var j model.Judgment
		if err := json.Unmarshal(rec.Payload, &j); err != nil {
			return nil, fmt.Errorf("store: decode judgment record %s/%s: %w", rec.PartitionKey, rec.SortKey, err)
		}
		out = append(out, j)
	}
	return out, nil
}

// Counts returns how many Turns and Judgments the index holds for runID,
// the two numbers the Judge's completion detection compares.
func (s *Store) Counts(ctx context.Context, runID string) (turns, judgments int, err error) {
	pk, _ := index.RunMetaKey(runID)
	turns, err = s.Index.CountByPrefix(ctx, pk, index.TurnPrefix)
	if err != nil {
		return 0, 0, err
	}
	judgments, err = s.Index.CountByPrefix(ctx, pk, index.JudgmentPrefix)
	if err != nil {
		return 0, 0, err
	}
	return turns, judgments, nil
}

func (s *Store) GetRunSummary(ctx context.Context, runID string) (model.RunSummary, bool, error) {
	pk, sk := index.RunSummaryKey(runID)
	rec, found, err := s.Index.Get(ctx, pk, sk)
	if err != nil || !found {
		return model.RunSummary{}, false, err
	}
	var rs model.RunSummary
	if err := json.Unmarshal(rec.Payload, &rs); err != nil {
		return model.RunSummary{}, false, fmt.Errorf("store: decode run summary %s: %w", runID, err)
	}
	return rs, true, nil
}

// PutRunSummary overwrites the summary record and its curated artifact. The
// artifact uses the canonical serialization, so recomputing an identical
// summary rewrites identical bytes.
func (s *Store) PutRunSummary(ctx context.Context, rs model.RunSummary, curated interface{}) error {
	artifact, err := model.Canonicalize(curated)
	if err != nil {
		return fmt.Errorf("store: canonicalize curated run %s: %w", rs.RunID, err)
	}
	pointer := blob.CuratedRunPath(rs.RunID)
	if err := s.Blob.Put(ctx, pointer, artifact); err != nil {
		return err
	}

	payload, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("store: encode run summary %s: %w", rs.RunID, err)
	}
	pk, sk := index.RunSummaryKey(rs.RunID)
	_, err = s.Index.Put(ctx, index.Record{
		PartitionKey: pk,
		SortKey:      sk,
		Payload:      payload,
		BlobPointer:  pointer,
		ModelID:      rs.ModelID,
	}, false)
	return err
}

// GetPeriodAggregate returns the stored aggregate plus its record version,
// the CAS token PutPeriodAggregate expects (0 when the record is absent).
func (s *Store) GetPeriodAggregate(ctx context.Context, periodKey, modelID string) (model.PeriodAggregate, int64, bool, error) {
	pk, sk := index.PeriodAggregateKey(periodKey, modelID)
	rec, found, err := s.Index.Get(ctx, pk, sk)
	if err != nil || !found {
		return model.PeriodAggregate{}, 0, false, err
	}
	var pa model.PeriodAggregate
	if err := json.Unmarshal(rec.Payload, &pa); err != nil {
		return model.PeriodAggregate{}, 0, false, fmt.Errorf("store: decode period aggregate %s/%s: %w", periodKey, modelID, err)
	}
	return pa, rec.Version, true, nil
}

// PutPeriodAggregate is a versioned conditional write: it lands only when
// the stored record still has expectedVersion, serializing the Curator's
// read-modify-write against concurrent curations of other runs in the same
// (period, model). Returns false, without error, when the version moved;
// the caller re-reads and re-merges. The curated weekly artifact is written
// before the conditional index write, so an attempt that then loses the
// version check has already replaced the blob; the caller's retry rewrites
// it.
func (s *Store) PutPeriodAggregate(ctx context.Context, pa model.PeriodAggregate, expectedVersion int64) (bool, error) {
	artifact, err := model.Canonicalize(pa)
	if err != nil {
		return false, fmt.Errorf("store: canonicalize period aggregate %s/%s: %w", pa.PeriodKey, pa.ModelID, err)
	}
	pointer := blob.CuratedWeeklyPath(pa.PeriodKey, pa.ModelID)
	if err := s.Blob.Put(ctx, pointer, artifact); err != nil {
		return false, err
	}

	payload, err := json.Marshal(pa)
	if err != nil {
		return false, fmt.Errorf("store: encode period aggregate %s/%s: %w", pa.PeriodKey, pa.ModelID, err)
	}
	pk, sk := index.PeriodAggregateKey(pa.PeriodKey, pa.ModelID)
	return s.Index.PutIfVersion(ctx, index.Record{
		PartitionKey: pk,
		SortKey:      sk,
		Payload:      payload,
		BlobPointer:  pointer,
		ModelID:      pa.ModelID,
	}, expectedVersion)
}

// RunsForModelInPeriod enumerates the Run metadata records for modelID whose
// creation timestamp falls in periodKey. This is the ground truth the
// Curator's aggregate merge recomputes from, independent of what any
// previously stored aggregate claims its contributors were.
func (s *Store) RunsForModelInPeriod(ctx context.Context, periodKey, modelID string) ([]model.Run, error) {
	recs, err := s.Index.QueryBySecondary(ctx, "model_id", modelID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Run, 0, len(recs))
	for _, rec := range recs {
		var r model.Run
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return nil, fmt.Errorf("store: decode run record %s: %w", rec.PartitionKey, err)
		}
		if model.PeriodKey(r.CreatedAt) == periodKey {
			out = append(out, r)
		}
	}
	return out, nil
}
