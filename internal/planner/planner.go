// Package planner implements the pipeline's entry point: on each trigger it
// reads the active configuration, derives a content-addressed manifest, and
// enqueues one dialogue job per (model, scenario) pair. Every step is
// conditional on absence, so re-triggering with the same configuration
// creates nothing new and enqueues nothing new.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/apperr"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/blob"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/index"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/jobs"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/metrics"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/model"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/queue"
)

// Planner turns the active configuration into idempotent Run records plus
// dialogue-queue messages. It is a singleton; concurrency safety against an
// overlapping trigger comes from the conditional writes, not from locking.
type Planner struct {
	Blob              blob.Blob
	Index             index.Index
	Queue             queue.Queue
	DialogueQueueName string
	Logger            *logrus.Entry

	// Now is injectable for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

// Result reports what one trigger did.
type Result struct {
	ManifestID      string
	ManifestCreated bool
	RunsCreated     int
	RunsExisting    int
	Enqueued        int
	EnqueueFailures int
}

func (p *Planner) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Trigger executes one planning pass. force re-enqueues dialogue messages
// for runs that already exist but have not reached a terminal state, for
// operator-driven reconciliation; the Runner's conditional writes make the
// extra deliveries harmless.
//
// A configuration that cannot be loaded or parsed is a hard error with no
// partial state: nothing has been written or enqueued yet at that point.
func (p *Planner) Trigger(ctx context.Context, force bool) (Result, error) {
	cfg, err := p.loadConfiguration(ctx)
	if err != nil {
		return Result{}, err
	}

	manifest, created, err := p.ensureManifest(ctx, cfg)
	if err != nil {
		return Result{}, err
	}

	res := Result{ManifestID: manifest.ManifestID, ManifestCreated: created}
	log := p.Logger.WithField("manifest_id", manifest.ManifestID)

	for _, md := range manifest.ModelSet {
		for _, scenarioID := range manifest.ScenarioSet {
			runID := model.RunID(manifest.CreatedAt, manifest.ManifestID, md.ModelID, scenarioID)
			runCreated, err := p.ensureRun(ctx, manifest, md.ModelID, scenarioID, runID)
			if err != nil {
				return res, err
			}
			if runCreated {
				res.RunsCreated++
			} else {
				res.RunsExisting++
			}
			if !runCreated {
				if !force {
					continue
				}
				pk, sk := index.RunMetaKey(runID)
				rec, found, err := p.Index.Get(ctx, pk, sk)
				if err != nil {
					return res, apperr.Transient("read run record", err)
				}
				var existing model.Run
				if found && json.Unmarshal(rec.Payload, &existing) == nil &&
					(existing.Status == model.RunCompleted || existing.Status == model.RunFailed) {
					continue
				}
			}

			job := jobs.DialogueJob{
				RunID:      runID,
				ManifestID: manifest.ManifestID,
				ModelID:    md.ModelID,
				ScenarioID: scenarioID,
			}
			payload, err := job.Marshal()
			if err != nil {
				return res, fmt.Errorf("planner: marshal dialogue job: %w", err)
			}
			if err := p.Queue.Enqueue(ctx, p.DialogueQueueName, payload); err != nil {
				// A failed enqueue is not retried by later unforced triggers:
				// the Run record exists, so only a forced trigger re-enqueues it.
				res.EnqueueFailures++
				log.WithError(err).WithField("run_id", runID).Warn("enqueue failed, a forced trigger will re-enqueue this run")
				continue
			}
			metrics.EnqueuesTotal.WithLabelValues(p.DialogueQueueName).Inc()
			res.Enqueued++
		}
	}

	log.WithFields(logrus.Fields{
		"runs_created":     res.RunsCreated,
		"runs_existing":    res.RunsExisting,
		"enqueued":         res.Enqueued,
		"enqueue_failures": res.EnqueueFailures,
	}).Info("planning pass complete")
	return res, nil
}

func (p *Planner) loadConfiguration(ctx context.Context) (model.ActiveConfiguration, error) {
	raw, err := p.Blob.Get(ctx, blob.ActiveConfigPath)
	if err != nil {
		return model.ActiveConfiguration{}, apperr.Config("load active configuration", err)
	}
	var cfg model.ActiveConfiguration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return model.ActiveConfiguration{}, apperr.Config("parse active configuration", err)
	}
	if len(cfg.Models) == 0 {
		return model.ActiveConfiguration{}, apperr.Config("validate active configuration", fmt.Errorf("no models configured"))
	}
	if len(cfg.Scenarios) == 0 {
		return model.ActiveConfiguration{}, apperr.Config("validate active configuration", fmt.Errorf("no scenarios configured"))
	}
	if cfg.RubricVersion == "" {
		return model.ActiveConfiguration{}, apperr.Config("validate active configuration", fmt.Errorf("rubric_version is required"))
	}
	return cfg, nil
}

// ensureManifest persists the manifest derived from cfg if it does not exist
// yet, and returns the authoritative copy either way. The stored manifest's
// created_at, not the trigger time, feeds run_id derivation; that is what
// keeps run ids stable across re-triggers of the same configuration.
func (p *Planner) ensureManifest(ctx context.Context, cfg model.ActiveConfiguration) (model.Manifest, bool, error) {
	manifestID, err := model.ManifestID(cfg)
	if err != nil {
		return model.Manifest{}, false, fmt.Errorf("planner: derive manifest id: %w", err)
	}

	pk, sk := index.ManifestKey(manifestID)
	if rec, found, err := p.Index.Get(ctx, pk, sk); err != nil {
		return model.Manifest{}, false, apperr.Transient("read manifest", err)
	} else if found {
		var existing model.Manifest
		if err := json.Unmarshal(rec.Payload, &existing); err != nil {
			return model.Manifest{}, false, fmt.Errorf("planner: decode stored manifest: %w", err)
		}
		return existing, false, nil
	}

	manifest := model.Manifest{
		ManifestID:    manifestID,
		CreatedAt:     p.now(),
		ModelSet:      cfg.Models,
		ScenarioSet:   cfg.Scenarios,
		RubricVersion: cfg.RubricVersion,
		Parameters:    cfg.Parameters,
	}

	artifact, err := model.Canonicalize(manifest)
	if err != nil {
		return model.Manifest{}, false, fmt.Errorf("planner: canonicalize manifest: %w", err)
	}
	if err := p.Blob.Put(ctx, blob.ManifestPath(manifestID), artifact); err != nil {
		return model.Manifest{}, false, apperr.Transient("persist manifest artifact", err)
	}

	payload, err := json.Marshal(manifest)
	if err != nil {
		return model.Manifest{}, false, fmt.Errorf("planner: encode manifest: %w", err)
	}
	written, err := p.Index.Put(ctx, index.Record{
		PartitionKey: pk,
		SortKey:      sk,
		Payload:      payload,
		BlobPointer:  blob.ManifestPath(manifestID),
		ManifestID:   manifestID,
	}, true)
	if err != nil {
		return model.Manifest{}, false, apperr.Transient("persist manifest record", err)
	}
	if !written {
		// A concurrent trigger won the race; its copy is authoritative.
		rec, found, err := p.Index.Get(ctx, pk, sk)
		if err != nil || !found {
			return model.Manifest{}, false, apperr.Transient("re-read manifest after lost race", err)
		}
		var existing model.Manifest
		if err := json.Unmarshal(rec.Payload, &existing); err != nil {
			return model.Manifest{}, false, fmt.Errorf("planner: decode stored manifest: %w", err)
		}
		return existing, false, nil
	}
	return manifest, true, nil
}

func (p *Planner) ensureRun(ctx context.Context, manifest model.Manifest, modelID, scenarioID, runID string) (bool, error) {
	now := p.now()
	run := model.Run{
		RunID:           runID,
		ManifestID:      manifest.ManifestID,
		ModelID:         modelID,
		ScenarioID:      scenarioID,
		RubricVersion:   manifest.RubricVersion,
		Status:          model.RunPending,
		TurnCountTarget: manifest.Parameters.TurnCap,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return false, fmt.Errorf("planner: encode run: %w", err)
	}
	pk, sk := index.RunMetaKey(runID)
	written, err := p.Index.Put(ctx, index.Record{
		PartitionKey: pk,
		SortKey:      sk,
		Payload:      payload,
		ModelID:      modelID,
		ManifestID:   manifest.ManifestID,
	}, true)
	if err != nil {
		return false, apperr.Transient("persist run record", err)
	}
	return written, nil
}
