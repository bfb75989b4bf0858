// Package coldtier implements the Cold-Tier Document Collaborator: a
// downstream, Postgres/JSONB-backed materialization of assembled profile
// snapshots, used for city/device/interest/industry/tag lookups that the
// hot tier and secondary indices were never built to serve.
//
// This collaborator is strictly downstream: nothing in internal/aggregator
// or internal/profile imports this package. Only the outbound
// materialization path (internal/ingest) writes to it.
package coldtier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pulsehub/profile-engine/internal/database/postgres"
	"github.com/pulsehub/profile-engine/internal/pulseerr"
)

// Status is the document's lifecycle state.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusArchived Status = "ARCHIVED"
	StatusDeleted  Status = "DELETED"
)

// SnapshotInput is what the materialization path (internal/ingest) supplies
// to upsert_document. It is deliberately its own type rather than a reuse
// of the aggregator's Snapshot, keeping this collaborator decoupled from
// internal/aggregator.
type SnapshotInput struct {
	UserID             string
	City               string
	DeviceClass        string
	Industry           string
	Interests          []string
	ValueScore         int
	ExtendedProperties map[string]any
	SocialMedia        map[string]any
	ComputedMetrics    map[string]any
}

// Document is the persisted cold-tier record.
type Document struct {
	UserID             string
	DataVersion        int64
	Status             Status
	City               string
	DeviceClass        string
	Industry           string
	Interests          []string
	ValueScore         int
	ExtendedProperties map[string]any
	SocialMedia        map[string]any
	ComputedMetrics    map[string]any
	Tags               []string
	UpdatedAt          time.Time
}

// Repository is the Cold-Tier Document Collaborator's contract.
type Repository interface {
	UpsertDocument(ctx context.Context, in SnapshotInput) (*Document, error)
	GetActive(ctx context.Context, userID string) (*Document, bool, error)
	MarkDeleted(ctx context.Context, userID string) error
	FindByCity(ctx context.Context, city string, limit, offset int) ([]*Document, error)
	FindByDeviceClass(ctx context.Context, class string, limit, offset int) ([]*Document, error)
	FindByInterest(ctx context.Context, interest string, limit, offset int) ([]*Document, error)
	FindByIndustry(ctx context.Context, industry string, limit, offset int) ([]*Document, error)
	FindHighValueActive(ctx context.Context, minScore int, since time.Time, limit, offset int) ([]*Document, error)
	CountActive(ctx context.Context) (int64, error)
	CountActiveSince(ctx context.Context, since time.Time) (int64, error)
	AddTag(ctx context.Context, userID, tag string) error
	FindByTag(ctx context.Context, tag string, limit, offset int) ([]*Document, error)
}

// PostgresRepository implements Repository on pgx/pgxpool, following the
// same JSONB-column pattern as the static profile collaborator: ad-hoc
// fields are marshaled to JSONB, tags/interests to TEXT[].
type PostgresRepository struct {
	db      postgres.DatabaseConnection
	logger  *slog.Logger
	metrics *Metrics
}

// NewPostgresRepository creates a PostgreSQL-backed cold-tier repository.
func NewPostgresRepository(db postgres.DatabaseConnection, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger, metrics: NewMetrics()}
}

func (r *PostgresRepository) observe(op, status string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.Operations.WithLabelValues(op, status).Inc()
	r.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const selectColumns = `user_id, data_version, status, city, device_class, industry, interests, value_score, extended_properties, social_media, computed_metrics, tags, updated_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	var extended, social, computed []byte
	err := row.Scan(
		&d.UserID, &d.DataVersion, &d.Status, &d.City, &d.DeviceClass, &d.Industry,
		&d.Interests, &d.ValueScore, &extended, &social, &computed, &d.Tags, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(extended, &d.ExtendedProperties); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(social, &d.SocialMedia); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(computed, &d.ComputedMetrics); err != nil {
		return nil, err
	}
	return &d, nil
}

func unmarshalJSONB(raw []byte, out *map[string]any) error {
	if len(raw) == 0 {
		*out = map[string]any{}
		return nil
	}
	return json.Unmarshal(raw, out)
}

func scanDocuments(rows pgx.Rows) ([]*Document, error) {
	docs := []*Document{}
	for rows.Next() {
		var d Document
		var extended, social, computed []byte
		if err := rows.Scan(
			&d.UserID, &d.DataVersion, &d.Status, &d.City, &d.DeviceClass, &d.Industry,
			&d.Interests, &d.ValueScore, &extended, &social, &computed, &d.Tags, &d.UpdatedAt,
		); err != nil {
			return nil, pulseerr.Fatal(fmt.Errorf("cold tier: scan: %w", err))
		}
		if err := unmarshalJSONB(extended, &d.ExtendedProperties); err != nil {
			return nil, pulseerr.Fatal(fmt.Errorf("cold tier: unmarshal: %w", err))
		}
		if err := unmarshalJSONB(social, &d.SocialMedia); err != nil {
			return nil, pulseerr.Fatal(fmt.Errorf("cold tier: unmarshal: %w", err))
		}
		if err := unmarshalJSONB(computed, &d.ComputedMetrics); err != nil {
			return nil, pulseerr.Fatal(fmt.Errorf("cold tier: unmarshal: %w", err))
		}
		docs = append(docs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, pulseerr.Transient(fmt.Errorf("cold tier: rows: %w", err))
	}
	return docs, nil
}

// UpsertDocument implements Repository.UpsertDocument: idempotent on
// user_id, bumping data_version on every call (insert or update alike).
func (r *PostgresRepository) UpsertDocument(ctx context.Context, in SnapshotInput) (*Document, error) {
	start := time.Now()
	const op = "upsert_document"
	if in.UserID == "" {
		r.observe(op, "invalid", start)
		return nil, pulseerr.Invalid("cold tier: user_id must not be empty")
	}

	extended, err := json.Marshal(nonNilMap(in.ExtendedProperties))
	if err != nil {
		r.observe(op, "error", start)
		return nil, pulseerr.Fatal(fmt.Errorf("cold tier: marshal extended_properties: %w", err))
	}
	social, err := json.Marshal(nonNilMap(in.SocialMedia))
	if err != nil {
		r.observe(op, "error", start)
		return nil, pulseerr.Fatal(fmt.Errorf("cold tier: marshal social_media: %w", err))
	}
	computed, err := json.Marshal(nonNilMap(in.ComputedMetrics))
	if err != nil {
		r.observe(op, "error", start)
		return nil, pulseerr.Fatal(fmt.Errorf("cold tier: marshal computed_metrics: %w", err))
	}

	query := `
		INSERT INTO profile_documents
			(user_id, data_version, status, city, device_class, industry, interests, value_score,
			 extended_properties, social_media, computed_metrics, tags, updated_at)
		VALUES ($1, 1, $2, $3, $4, $5, $6, $7, $8, $9, $10, ARRAY[]::text[], NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			data_version = profile_documents.data_version + 1,
			status = EXCLUDED.status,
			city = EXCLUDED.city,
			device_class = EXCLUDED.device_class,
			industry = EXCLUDED.industry,
			interests = EXCLUDED.interests,
			value_score = EXCLUDED.value_score,
			extended_properties = EXCLUDED.extended_properties,
			social_media = EXCLUDED.social_media,
			computed_metrics = EXCLUDED.computed_metrics,
			updated_at = NOW()
		RETURNING ` + selectColumns

	doc, err := scanDocument(r.db.QueryRow(ctx, query,
		in.UserID, StatusActive, in.City, in.DeviceClass, in.Industry, in.Interests, in.ValueScore,
		extended, social, computed,
	))
	if err != nil {
		if isUniqueViolation(err) {
			r.observe(op, "conflict", start)
			return nil, pulseerr.Conflict("cold tier: upsert conflict for user_id %s", in.UserID)
		}
		r.observe(op, "error", start)
		return nil, pulseerr.Transient(fmt.Errorf("cold tier: upsert_document: %w", err))
	}
	r.observe(op, "success", start)
	return doc, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// GetActive implements Repository.GetActive.
func (r *PostgresRepository) GetActive(ctx context.Context, userID string) (*Document, bool, error) {
	start := time.Now()
	const op = "get_active"
	query := `SELECT ` + selectColumns + ` FROM profile_documents WHERE user_id = $1 AND status = $2`
	doc, err := scanDocument(r.db.QueryRow(ctx, query, userID, StatusActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.observe(op, "not_found", start)
			return nil, false, nil
		}
		r.observe(op, "error", start)
		return nil, false, pulseerr.Transient(fmt.Errorf("cold tier: get_active: %w", err))
	}
	r.observe(op, "success", start)
	return doc, true, nil
}

// MarkDeleted implements Repository.MarkDeleted.
func (r *PostgresRepository) MarkDeleted(ctx context.Context, userID string) error {
	start := time.Now()
	const op = "mark_deleted"
	query := `UPDATE profile_documents SET status = $1, data_version = data_version + 1, updated_at = NOW() WHERE user_id = $2`
	tag, err := r.db.Exec(ctx, query, StatusDeleted, userID)
	if err != nil {
		r.observe(op, "error", start)
		return pulseerr.Transient(fmt.Errorf("cold tier: mark_deleted: %w", err))
	}
	if tag.RowsAffected() == 0 {
		r.observe(op, "not_found", start)
		return pulseerr.NotFound("cold tier: user_id %s", userID)
	}
	r.observe(op, "success", start)
	return nil
}

func (r *PostgresRepository) findBy(ctx context.Context, op, query string, args ...any) ([]*Document, error) {
	start := time.Now()
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.observe(op, "error", start)
		return nil, pulseerr.Transient(fmt.Errorf("cold tier: %s: %w", op, err))
	}
	defer rows.Close()
	docs, err := scanDocuments(rows)
	if err != nil {
		r.observe(op, "error", start)
		return nil, err
	}
	r.observe(op, "success", start)
	return docs, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// FindByCity implements Repository.FindByCity.
func (r *PostgresRepository) FindByCity(ctx context.Context, city string, limit, offset int) ([]*Document, error) {
	query := `SELECT ` + selectColumns + ` FROM profile_documents WHERE city = $1 AND status = $2 ORDER BY updated_at DESC LIMIT $3 OFFSET $4`
	return r.findBy(ctx, "find_by_city", query, city, StatusActive, normalizeLimit(limit), offset)
}

// FindByDeviceClass implements Repository.FindByDeviceClass.
func (r *PostgresRepository) FindByDeviceClass(ctx context.Context, class string, limit, offset int) ([]*Document, error) {
	query := `SELECT ` + selectColumns + ` FROM profile_documents WHERE device_class = $1 AND status = $2 ORDER BY updated_at DESC LIMIT $3 OFFSET $4`
	return r.findBy(ctx, "find_by_device_class", query, class, StatusActive, normalizeLimit(limit), offset)
}

// FindByInterest implements Repository.FindByInterest: interests is a TEXT[]
// column, queried with the ANY operator.
func (r *PostgresRepository) FindByInterest(ctx context.Context, interest string, limit, offset int) ([]*Document, error) {
	query := `SELECT ` + selectColumns + ` FROM profile_documents WHERE $1 = ANY(interests) AND status = $2 ORDER BY updated_at DESC LIMIT $3 OFFSET $4`
	return r.findBy(ctx, "find_by_interest", query, interest, StatusActive, normalizeLimit(limit), offset)
}

// FindByIndustry implements Repository.FindByIndustry.
func (r *PostgresRepository) FindByIndustry(ctx context.Context, industry string, limit, offset int) ([]*Document, error) {
	query := `SELECT ` + selectColumns + ` FROM profile_documents WHERE industry = $1 AND status = $2 ORDER BY updated_at DESC LIMIT $3 OFFSET $4`
	return r.findBy(ctx, "find_by_industry", query, industry, StatusActive, normalizeLimit(limit), offset)
}

// FindHighValueActive implements Repository.FindHighValueActive.
func (r *PostgresRepository) FindHighValueActive(ctx context.Context, minScore int, since time.Time, limit, offset int) ([]*Document, error) {
	query := `SELECT ` + selectColumns + ` FROM profile_documents WHERE value_score >= $1 AND status = $2 AND updated_at >= $3 ORDER BY value_score DESC LIMIT $4 OFFSET $5`
	return r.findBy(ctx, "find_high_value_active", query, minScore, StatusActive, since, normalizeLimit(limit), offset)
}

// CountActive implements Repository.CountActive.
func (r *PostgresRepository) CountActive(ctx context.Context) (int64, error) {
	return r.count(ctx, "count_active", `SELECT COUNT(*) FROM profile_documents WHERE status = $1`, StatusActive)
}

// CountActiveSince implements Repository.CountActiveSince.
func (r *PostgresRepository) CountActiveSince(ctx context.Context, since time.Time) (int64, error) {
	return r.count(ctx, "count_active_since", `SELECT COUNT(*) FROM profile_documents WHERE status = $1 AND updated_at >= $2`, StatusActive, since)
}

func (r *PostgresRepository) count(ctx context.Context, op, query string, args ...any) (int64, error) {
	start := time.Now()
	var n int64
	if err := r.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		r.observe(op, "error", start)
		return 0, pulseerr.Transient(fmt.Errorf("cold tier: %s: %w", op, err))
	}
	r.observe(op, "success", start)
	return n, nil
}

// AddTag implements Repository.AddTag: tags is a per-document set<string>,
// so the UPDATE deduplicates in SQL: array_append runs only if the tag is
// not already present.
func (r *PostgresRepository) AddTag(ctx context.Context, userID, tag string) error {
	start := time.Now()
	const op = "add_tag"
	if tag == "" {
		r.observe(op, "invalid", start)
		return pulseerr.Invalid("cold tier: tag must not be empty")
	}
	query := `
		UPDATE profile_documents
		SET tags = CASE WHEN $1 = ANY(tags) THEN tags ELSE array_append(tags, $1) END,
		    updated_at = NOW()
		WHERE user_id = $2
	`
	tagResult, err := r.db.Exec(ctx, query, tag, userID)
	if err != nil {
		r.observe(op, "error", start)
		return pulseerr.Transient(fmt.Errorf("cold tier: add_tag: %w", err))
	}
	if tagResult.RowsAffected() == 0 {
		r.observe(op, "not_found", start)
		return pulseerr.NotFound("cold tier: user_id %s", userID)
	}
	r.observe(op, "success", start)
	return nil
}

// FindByTag implements Repository.FindByTag, relying on the tags column's
// GIN index for the containment lookup.
func (r *PostgresRepository) FindByTag(ctx context.Context, tag string, limit, offset int) ([]*Document, error) {
	query := `SELECT ` + selectColumns + ` FROM profile_documents WHERE tags @> ARRAY[$1]::text[] AND status = $2 ORDER BY updated_at DESC LIMIT $3 OFFSET $4`
	return r.findBy(ctx, "find_by_tag", query, tag, StatusActive, normalizeLimit(limit), offset)
}
