package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltIndex implements Index against an embedded bbolt file. bbolt buckets
// keep keys in lexical order, so a partition's Turn/Judgment range scan
// falls out of a plain bucket Cursor with no secondary sort step. One
// bucket per partition_key; two extra buckets hold the model_id/manifest_id
// secondary indexes. Intended for local development and tests; production
// deployments use PostgresIndex.
type BoltIndex struct {
	db *bolt.DB
	mu sync.Mutex // serializes the read-then-write of conditional Put
}

const (
	secondaryModelBucket    = "__idx_model_id"
	secondaryManifestBucket = "__idx_manifest_id"
)

type boltEnvelope struct {
	Payload     []byte    `json:"payload"`
	BlobPointer string    `json:"blob_pointer"`
	ModelID     string    `json:"model_id,omitempty"`
	ManifestID  string    `json:"manifest_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     int64     `json:"version"`
}

func NewBoltIndex(path string) (*BoltIndex, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("index: bolt: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(secondaryModelBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(secondaryManifestBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("index: bolt: bootstrap buckets: %w", err)
	}
	return &BoltIndex{db: db}, nil
}

func (b *BoltIndex) Close() error { return b.db.Close() }

func (b *BoltIndex) Put(_ context.Context, rec Record, conditional bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	written := true
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(rec.PartitionKey))
		if err != nil {
			return err
		}
		key := []byte(rec.SortKey)
		var prior int64
		if raw := bucket.Get(key); raw != nil {
			if conditional {
				written = false
				return nil
			}
			var old boltEnvelope
			if err := json.Unmarshal(raw, &old); err != nil {
				return err
			}
			prior = old.Version
		}
		env := boltEnvelope{
			Payload:     rec.Payload,
			BlobPointer: rec.BlobPointer,
			ModelID:     rec.ModelID,
			ManifestID:  rec.ManifestID,
			UpdatedAt:   rec.UpdatedAt,
			Version:     prior + 1,
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := bucket.Put(key, raw); err != nil {
			return err
		}
		if rec.SortKey == "META" {
			if rec.ModelID != "" {
				mb, err := tx.CreateBucketIfNotExists([]byte(secondaryModelBucket))
				if err != nil {
					return err
				}
				if err := mb.Put([]byte(rec.ModelID+"#"+rec.PartitionKey), []byte(rec.PartitionKey)); err != nil {
					return err
				}
			}
			if rec.ManifestID != "" {
				mb, err := tx.CreateBucketIfNotExists([]byte(secondaryManifestBucket))
				if err != nil {
					return err
				}
				if err := mb.Put([]byte(rec.ManifestID+"#"+rec.PartitionKey), []byte(rec.PartitionKey)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("index: bolt: put: %w", err)
	}
	return written, nil
}

func (b *BoltIndex) PutIfVersion(_ context.Context, rec Record, expectedVersion int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	written := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(rec.PartitionKey))
		if err != nil {
			return err
		}
		key := []byte(rec.SortKey)
		var current int64
		if raw := bucket.Get(key); raw != nil {
			var old boltEnvelope
			if err := json.Unmarshal(raw, &old); err != nil {
				return err
			}
			current = old.Version
		}
		if current != expectedVersion {
			return nil
		}
		env := boltEnvelope{
			Payload:     rec.Payload,
			BlobPointer: rec.BlobPointer,
			ModelID:     rec.ModelID,
			ManifestID:  rec.ManifestID,
			UpdatedAt:   rec.UpdatedAt,
			Version:     current + 1,
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := bucket.Put(key, raw); err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("index: bolt: put if version: %w", err)
	}
	return written, nil
}

func (b *BoltIndex) Get(_ context.Context, partitionKey, sortKey string) (Record, bool, error) {
	var rec Record
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(partitionKey))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get([]byte(sortKey))
		if raw == nil {
			return nil
		}
		var env boltEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		rec = Record{
			PartitionKey: partitionKey,
			SortKey:      sortKey,
			Payload:      env.Payload,
			BlobPointer:  env.BlobPointer,
			ModelID:      env.ModelID,
			ManifestID:   env.ManifestID,
			UpdatedAt:    env.UpdatedAt,
			Version:      env.Version,
		}
		found = true
		return nil
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("index: bolt: get: %w", err)
	}
	return rec, found, err
}

func (b *BoltIndex) QueryByPrefix(_ context.Context, partitionKey, sortKeyPrefix string) ([]Record, error) {
	var out []Record
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(partitionKey))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		prefix := []byte(sortKeyPrefix)
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), sortKeyPrefix); k, v = c.Next() {
			var env boltEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			out = append(out, Record{
				PartitionKey: partitionKey,
				SortKey:      string(k),
				Payload:      env.Payload,
				BlobPointer:  env.BlobPointer,
				ModelID:      env.ModelID,
				ManifestID:   env.ManifestID,
				UpdatedAt:    env.UpdatedAt,
				Version:      env.Version,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index: bolt: query by prefix: %w", err)
	}
	return out, nil
}

func (b *BoltIndex) CountByPrefix(ctx context.Context, partitionKey, sortKeyPrefix string) (int, error) {
	recs, err := b.QueryByPrefix(ctx, partitionKey, sortKeyPrefix)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (b *BoltIndex) QueryBySecondary(_ context.Context, field, value string) ([]Record, error) {
	var bucketName string
	switch field {
	case "model_id":
		bucketName = secondaryModelBucket
	case "manifest_id":
		bucketName = secondaryManifestBucket
	default:
		return nil, fmt.Errorf("index: bolt: unknown secondary field %q", field)
	}

	var partitionKeys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		prefix := []byte(value + "#")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			partitionKeys = append(partitionKeys, string(v))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index: bolt: query by secondary: %w", err)
	}
	sort.Strings(partitionKeys)

	out := make([]Record, 0, len(partitionKeys))
	for _, pk := range partitionKeys {
		rec, found, err := b.Get(context.Background(), pk, "META")
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (b *BoltIndex) ScanBySortKey(_ context.Context, sortKey string) ([]Record, error) {
	var out []Record
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bolt.Bucket) error {
			bn := string(name)
			if bn == secondaryModelBucket || bn == secondaryManifestBucket {
				return nil
			}
			raw := bucket.Get([]byte(sortKey))
			if raw == nil {
				return nil
			}
			var env boltEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return err
			}
			out = append(out, Record{
				PartitionKey: bn,
				SortKey:      sortKey,
				Payload:      env.Payload,
				BlobPointer:  env.BlobPointer,
				ModelID:      env.ModelID,
				ManifestID:   env.ManifestID,
				UpdatedAt:    env.UpdatedAt,
				Version:      env.Version,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("index: bolt: scan by sort key: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionKey < out[j].PartitionKey })
	return out, nil
}
