package index

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// indexRecordModel is the GORM model used only to bootstrap the schema.
// Hot-path reads and writes go through pgx directly (see PostgresIndex
// below): GORM's AutoMigrate is the right tool for schema management, raw
// SQL is the right tool for composite-key access patterns that have to
// stay O(log n).
type indexRecordModel struct {
	PartitionKey string `gorm:"primaryKey;column:partition_key"`
	SortKey      string `gorm:"primaryKey;column:sort_key"`
	Payload      []byte `gorm:"column:payload;type:jsonb"`
	BlobPointer  string `gorm:"column:blob_pointer"`
	ModelID      string `gorm:"column:model_id;index:idx_model_id"`
	ManifestID   string `gorm:"column:manifest_id;index:idx_manifest_id"`
	UpdatedAt    time.Time
	Version      int64 `gorm:"column:version;not null;default:0"`
}

func (indexRecordModel) TableName() string { return "index_records" }

// Migrate creates/updates the index_records table and its secondary indexes.
func Migrate(connString string) error {
	db, err := gorm.Open(postgres.Open(connString), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("index: migrate: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("index: migrate: underlying db: %w", err)
	}
	defer sqlDB.Close()

	if err := db.AutoMigrate(&indexRecordModel{}); err != nil {
		return fmt.Errorf("index: migrate: automigrate: %w", err)
	}
	// sort_key is not part of any secondary index above but the Curator's
	// full scan (query pattern 7) filters on it, so index it too.
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_sort_key ON index_records (sort_key)`).Error; err != nil {
		return fmt.Errorf("index: migrate: sort_key index: %w", err)
	}
	return nil
}

// PostgresIndex implements Index against PostgreSQL via a pgxpool. GORM
// handles the schema; the hot path stays on raw SQL.
type PostgresIndex struct {
	pool *pgxpool.Pool
}

func NewPostgresIndex(ctx context.Context, connString string) (*PostgresIndex, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("index: postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("index: postgres: ping: %w", err)
	}
	return &PostgresIndex{pool: pool}, nil
}

func (p *PostgresIndex) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresIndex) Put(ctx context.Context, rec Record, conditional bool) (bool, error) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	if conditional {
		tag, err := p.pool.Exec(ctx, `
			INSERT INTO index_records (partition_key, sort_key, payload, blob_pointer, model_id, manifest_id, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
			ON CONFLICT (partition_key, sort_key) DO NOTHING`,
			rec.PartitionKey, rec.SortKey, rec.Payload, rec.BlobPointer, rec.ModelID, rec.ManifestID, rec.UpdatedAt)
		if err != nil {
			return false, fmt.Errorf("index: postgres: conditional put: %w", err)
		}
		return tag.RowsAffected() == 1, nil
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO index_records (partition_key, sort_key, payload, blob_pointer, model_id, manifest_id, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		ON CONFLICT (partition_key, sort_key) DO UPDATE SET
			payload = EXCLUDED.payload,
			blob_pointer = EXCLUDED.blob_pointer,
			model_id = EXCLUDED.model_id,
			manifest_id = EXCLUDED.manifest_id,
			updated_at = EXCLUDED.updated_at,
			version = index_records.version + 1`,
		rec.PartitionKey, rec.SortKey, rec.Payload, rec.BlobPointer, rec.ModelID, rec.ManifestID, rec.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("index: postgres: upsert put: %w", err)
	}
	return true, nil
}

// PutIfVersion relies on the atomicity of a single conditional statement: an
// insert that only lands on an absent key (expectedVersion 0), or an update
// whose WHERE clause pins the stored version. A zero row count means the
// version moved; the caller re-reads and retries.
func (p *PostgresIndex) PutIfVersion(ctx context.Context, rec Record, expectedVersion int64) (bool, error) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	if expectedVersion == 0 {
		tag, err := p.pool.Exec(ctx, `
			INSERT INTO index_records (partition_key, sort_key, payload, blob_pointer, model_id, manifest_id, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
			ON CONFLICT (partition_key, sort_key) DO NOTHING`,
			rec.PartitionKey, rec.SortKey, rec.Payload, rec.BlobPointer, rec.ModelID, rec.ManifestID, rec.UpdatedAt)
		if err != nil {
			return false, fmt.Errorf("index: postgres: put if version: insert: %w", err)
		}
		return tag.RowsAffected() == 1, nil
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE index_records SET
			payload = $3,
			blob_pointer = $4,
			model_id = $5,
			manifest_id = $6,
			updated_at = $7,
			version = version + 1
		WHERE partition_key = $1 AND sort_key = $2 AND version = $8`,
		rec.PartitionKey, rec.SortKey, rec.Payload, rec.BlobPointer, rec.ModelID, rec.ManifestID, rec.UpdatedAt, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("index: postgres: put if version: update: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresIndex) Get(ctx context.Context, partitionKey, sortKey string) (Record, bool, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT partition_key, sort_key, payload, blob_pointer, model_id, manifest_id, updated_at, version
		FROM index_records WHERE partition_key = $1 AND sort_key = $2`, partitionKey, sortKey)
	rec, err := scanRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("index: postgres: get: %w", err)
	}
	return rec, true, nil
}

func (p *PostgresIndex) QueryByPrefix(ctx context.Context, partitionKey, sortKeyPrefix string) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT partition_key, sort_key, payload, blob_pointer, model_id, manifest_id, updated_at, version
		FROM index_records
		WHERE partition_key = $1 AND sort_key LIKE $2
		ORDER BY sort_key ASC`, partitionKey, sortKeyPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("index: postgres: query by prefix: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (p *PostgresIndex) CountByPrefix(ctx context.Context, partitionKey, sortKeyPrefix string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM index_records WHERE partition_key = $1 AND sort_key LIKE $2`,
		partitionKey, sortKeyPrefix+"%").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("index: postgres: count by prefix: %w", err)
	}
	return count, nil
}

func (p *PostgresIndex) QueryBySecondary(ctx context.Context, field, value string) ([]Record, error) {
	var column string
	switch field {
	case "model_id":
		column = "model_id"
	case "manifest_id":
		column = "manifest_id"
	default:
		return nil, fmt.Errorf("index: postgres: unknown secondary field %q", field)
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT partition_key, sort_key, payload, blob_pointer, model_id, manifest_id, updated_at, version
		FROM index_records
		WHERE %s = $1 AND sort_key = 'META'
		ORDER BY partition_key ASC`, column), value)
	if err != nil {
		return nil, fmt.Errorf("index: postgres: query by secondary: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (p *PostgresIndex) ScanBySortKey(ctx context.Context, sortKey string) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT partition_key, sort_key, payload, blob_pointer, model_id, manifest_id, updated_at, version
		FROM index_records WHERE sort_key = $1
		ORDER BY partition_key ASC`, sortKey)
	if err != nil {
		return nil, fmt.Errorf("index: postgres: scan by sort key: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scannable) (Record, error) {
	var rec Record
	err := row.Scan(&rec.PartitionKey, &rec.SortKey, &rec.Payload, &rec.BlobPointer, &rec.ModelID, &rec.ManifestID, &rec.UpdatedAt, &rec.Version)
	return rec, err
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
