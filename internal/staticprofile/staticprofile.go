// Package staticprofile implements the Static Profile Collaborator: the
// persistent demographic store the Profile Aggregator composes against.
// Although the Core treats it as an external collaborator whose internals
// it never owns, this package supplies a concrete PostgreSQL-backed
// reference implementation on pgx/pgxpool.
package staticprofile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/google/uuid"

	"github.com/pulsehub/profile-engine/internal/database/postgres"
	"github.com/pulsehub/profile-engine/internal/pulseerr"
)

// Gender is one of the bounded demographic variants.
type Gender string

const (
	Male   Gender = "MALE"
	Female Gender = "FEMALE"
	Other  Gender = "OTHER"
)

// AgeGroup is one of the bounded demographic variants.
type AgeGroup string

const (
	Child       AgeGroup = "CHILD"
	Teen        AgeGroup = "TEEN"
	YoungAdult  AgeGroup = "YOUNG_ADULT"
	Adult       AgeGroup = "ADULT"
	Senior      AgeGroup = "SENIOR"
)

// Profile is the demographic record keyed by user_id.
type Profile struct {
	UserID           string
	RegistrationDate time.Time
	Gender           *Gender
	AgeGroup         *AgeGroup
	RealName         *string
	Email            *string
	PhoneNumber      *string
	City             *string
	SourceChannel    *string
	IsDeleted        bool
	Version          uint64
}

// completenessWeights assigns equal weight to each optional field, spread
// over 100 so the score is deterministic and monotonically non-decreasing
// as more fields get filled. 7 optional fields * 14 = 98 at full fill;
// the last two points are never reachable, matching "bounded 0-100" rather
// than requiring the weights to divide evenly.
const completenessFieldWeight = 14

// CompletenessScore computes the profile-completeness score: the number of
// filled optional fields times a fixed per-field weight, capped at 100.
func CompletenessScore(p *Profile) int {
	if p == nil {
		return 0
	}
	filled := 0
	if p.Gender != nil {
		filled++
	}
	if p.AgeGroup != nil {
		filled++
	}
	if p.RealName != nil && *p.RealName != "" {
		filled++
	}
	if p.Email != nil && *p.Email != "" {
		filled++
	}
	if p.PhoneNumber != nil && *p.PhoneNumber != "" {
		filled++
	}
	if p.City != nil && *p.City != "" {
		filled++
	}
	if p.SourceChannel != nil && *p.SourceChannel != "" {
		filled++
	}
	score := filled * completenessFieldWeight
	if score > 100 {
		score = 100
	}
	return score
}

// Repository is the Static Profile Collaborator's contract.
type Repository interface {
	GetByID(ctx context.Context, userID string) (*Profile, bool, error)
	GetByEmail(ctx context.Context, email string) (*Profile, bool, error)
	GetByPhone(ctx context.Context, phone string) (*Profile, bool, error)
	ExistsEmail(ctx context.Context, email string) (bool, error)
	ExistsPhone(ctx context.Context, phone string) (bool, error)
	Create(ctx context.Context, p *Profile) (*Profile, error)
	Update(ctx context.Context, p *Profile) (*Profile, error)
	PartialUpdate(ctx context.Context, userID string, patch map[string]any) (*Profile, error)
	SoftDelete(ctx context.Context, userID string) error
	Restore(ctx context.Context, userID string) error
	ListBySourceChannel(ctx context.Context, channel string, limit, offset int) ([]*Profile, error)
	ListByCity(ctx context.Context, city string, limit, offset int) ([]*Profile, error)
	ListByGender(ctx context.Context, gender Gender, limit, offset int) ([]*Profile, error)
	ListNewUsers(ctx context.Context, days int) ([]*Profile, error)
	ListCompleteProfiles(ctx context.Context, minScore int, limit, offset int) ([]*Profile, error)
	CountByRegistrationDateAfter(ctx context.Context, since time.Time) (int64, error)
}

// PostgresRepository implements Repository for PostgreSQL.
//
// Uniqueness invariants (email, phone_number unique among non-deleted rows)
// are enforced by partial unique indices in the schema, not in application
// code; a violation surfaces here as a pgconn.PgError with code 23505,
// translated to pulseerr.ErrConflict.
//
// Updates use optimistic concurrency on the version column: the UPDATE's
// WHERE clause pins both user_id and the caller's expected version, and a
// zero rows-affected result is disambiguated into not-found vs. conflict
// by a follow-up existence check.
type PostgresRepository struct {
	db      postgres.DatabaseConnection
	logger  *slog.Logger
	metrics *Metrics
}

// NewPostgresRepository creates a PostgreSQL-backed static profile repository.
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

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(
		&p.UserID, &p.RegistrationDate, &p.Gender, &p.AgeGroup,
		&p.RealName, &p.Email, &p.PhoneNumber, &p.City, &p.SourceChannel,
		&p.IsDeleted, &p.Version,
	)
	return &p, err
}

const selectColumns = `user_id, registration_date, gender, age_group, real_name, email, phone_number, city, source_channel, is_deleted, version`

// GetByID implements Repository.GetByID.
func (r *PostgresRepository) GetByID(ctx context.Context, userID string) (*Profile, bool, error) {
	start := time.Now()
	const op = "get_by_id"
	query := `SELECT ` + selectColumns + ` FROM static_profiles WHERE user_id = $1`
	p, err := scanProfile(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.observe(op, "not_found", start)
			return nil, false, nil
		}
		r.observe(op, "error", start)
		return nil, false, pulseerr.Transient(fmt.Errorf("static profile: get_by_id: %w", err))
	}
	r.observe(op, "success", start)
	return p, true, nil
}

// GetByEmail implements Repository.GetByEmail.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*Profile, bool, error) {
	start := time.Now()
	const op = "get_by_email"
	query := `SELECT ` + selectColumns + ` FROM static_profiles WHERE email = $1 AND NOT is_deleted`
	p, err := scanProfile(r.db.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.observe(op, "not_found", start)
			return nil, false, nil
		}
		r.observe(op, "error", start)
		return nil, false, pulseerr.Transient(fmt.Errorf("static profile: get_by_email: %w", err))
	}
	r.observe(op, "success", start)
	return p, true, nil
}

// GetByPhone implements Repository.GetByPhone.
func (r *PostgresRepository) GetByPhone(ctx context.Context, phone string) (*Profile, bool, error) {
	start := time.Now()
	const op = "get_by_phone"
	query := `SELECT ` + selectColumns + ` FROM static_profiles WHERE phone_number = $1 AND NOT is_deleted`
	p, err := scanProfile(r.db.QueryRow(ctx, query, phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.observe(op, "not_found", start)
			return nil, false, nil
		}
		r.observe(op, "error", start)
		return nil, false, pulseerr.Transient(fmt.Errorf("static profile: get_by_phone: %w", err))
	}
	r.observe(op, "success", start)
	return p, true, nil
}

// ExistsEmail implements Repository.ExistsEmail.
func (r *PostgresRepository) ExistsEmail(ctx context.Context, email string) (bool, error) {
	return r.exists(ctx, "exists_email", `SELECT EXISTS(SELECT 1 FROM static_profiles WHERE email = $1 AND NOT is_deleted)`, email)
}

// ExistsPhone implements Repository.ExistsPhone.
func (r *PostgresRepository) ExistsPhone(ctx context.Context, phone string) (bool, error) {
	return r.exists(ctx, "exists_phone", `SELECT EXISTS(SELECT 1 FROM static_profiles WHERE phone_number = $1 AND NOT is_deleted)`, phone)
}

func (r *PostgresRepository) exists(ctx context.Context, op, query, arg string) (bool, error) {
	start := time.Now()
	var exists bool
	if err := r.db.QueryRow(ctx, query, arg).Scan(&exists); err != nil {
		r.observe(op, "error", start)
		return false, pulseerr.Transient(fmt.Errorf("static profile: %s: %w", op, err))
	}
	r.observe(op, "success", start)
	return exists, nil
}

// Create implements Repository.Create.
func (r *PostgresRepository) Create(ctx context.Context, p *Profile) (*Profile, error) {
	start := time.Now()
	const op = "create"
	if p == nil || p.UserID == "" {
		r.observe(op, "invalid", start)
		return nil, pulseerr.Invalid("static profile: user_id must not be empty")
	}
	if p.RegistrationDate.IsZero() {
		p.RegistrationDate = time.Now().UTC()
	}
	p.Version = 1

	query := `
		INSERT INTO static_profiles
			(user_id, registration_date, gender, age_group, real_name, email, phone_number, city, source_channel, is_deleted, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, 1)
	`
	_, err := r.db.Exec(ctx, query,
		p.UserID, p.RegistrationDate, p.Gender, p.AgeGroup, p.RealName, p.Email, p.PhoneNumber, p.City, p.SourceChannel,
	)
	if err != nil {
		if isUniqueViolation(err) {
			r.observe(op, "conflict", start)
			return nil, pulseerr.Conflict("static profile: email or phone_number already in use for user_id %s", p.UserID)
		}
		r.observe(op, "error", start)
		return nil, pulseerr.Transient(fmt.Errorf("static profile: create: %w", err))
	}
	r.observe(op, "success", start)
	return p, nil
}

// Update implements Repository.Update using optimistic concurrency: the
// WHERE clause pins the caller's expected p.Version, bumping it by one on
// success. A zero-rows UPDATE is disambiguated into not-found vs. conflict.
func (r *PostgresRepository) Update(ctx context.Context, p *Profile) (*Profile, error) {
	start := time.Now()
	const op = "update"
	if p == nil || p.UserID == "" {
		r.observe(op, "invalid", start)
		return nil, pulseerr.Invalid("static profile: user_id must not be empty")
	}

	query := `
		UPDATE static_profiles
		SET gender = $1, age_group = $2, real_name = $3, email = $4, phone_number = $5,
		    city = $6, source_channel = $7, version = version + 1
		WHERE user_id = $8 AND version = $9 AND NOT is_deleted
	`
	tag, err := r.db.Exec(ctx, query,
		p.Gender, p.AgeGroup, p.RealName, p.Email, p.PhoneNumber, p.City, p.SourceChannel,
		p.UserID, p.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			r.observe(op, "conflict", start)
			return nil, pulseerr.Conflict("static profile: email or phone_number already in use for user_id %s", p.UserID)
		}
		r.observe(op, "error", start)
		return nil, pulseerr.Transient(fmt.Errorf("static profile: update: %w", err))
	}
	if tag.RowsAffected() == 0 {
		existing, found, getErr := r.GetByID(ctx, p.UserID)
		if getErr != nil {
			r.observe(op, "error", start)
			return nil, getErr
		}
		if !found {
			r.observe(op, "not_found", start)
			return nil, pulseerr.NotFound("static profile: user_id %s", p.UserID)
		}
		r.observe(op, "conflict", start)
		_ = existing
		return nil, pulseerr.Conflict("static profile: version %d is stale for user_id %s", p.Version, p.UserID)
	}

	out := *p
	out.Version++
	r.observe(op, "success", start)
	return &out, nil
}

// PartialUpdate implements Repository.PartialUpdate: a restricted set of
// fields, identified by key, may be set without supplying the full record
// or its expected version. Unknown keys are rejected as invalid arguments.
func (r *PostgresRepository) PartialUpdate(ctx context.Context, userID string, patch map[string]any) (*Profile, error) {
	start := time.Now()
	const op = "partial_update"
	allowed := map[string]string{
		"gender":         "gender",
		"age_group":      "age_group",
		"real_name":      "real_name",
		"email":          "email",
		"phone_number":   "phone_number",
		"city":           "city",
		"source_channel": "source_channel",
	}

	setClauses := make([]string, 0, len(patch))
	args := make([]any, 0, len(patch)+1)
	i := 1
	for k, v := range patch {
		col, ok := allowed[k]
		if !ok {
			r.observe(op, "invalid", start)
			return nil, pulseerr.Invalid("static profile: %q is not a patchable field", k)
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, v)
		i++
	}
	if len(setClauses) == 0 {
		return r.getOrNotFound(ctx, op, start, userID)
	}

	setClauses = append(setClauses, "version = version + 1")
	args = append(args, userID)

	query := fmt.Sprintf(`UPDATE static_profiles SET %s WHERE user_id = $%d AND NOT is_deleted`, joinClauses(setClauses), i)
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			r.observe(op, "conflict", start)
			return nil, pulseerr.Conflict("static profile: email or phone_number already in use for user_id %s", userID)
		}
		r.observe(op, "error", start)
		return nil, pulseerr.Transient(fmt.Errorf("static profile: partial_update: %w", err))
	}
	if tag.RowsAffected() == 0 {
		r.observe(op, "not_found", start)
		return nil, pulseerr.NotFound("static profile: user_id %s", userID)
	}
	r.observe(op, "success", start)
	return r.getOrNotFound(ctx, op, start, userID)
}

func (r *PostgresRepository) getOrNotFound(ctx context.Context, op string, start time.Time, userID string) (*Profile, error) {
	p, found, err := r.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pulseerr.NotFound("static profile: user_id %s", userID)
	}
	return p, nil
}

func joinClauses(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += ", " + c
	}
	return out
}

// SoftDelete implements Repository.SoftDelete: marks is_deleted without
// removing the row, freeing email/phone_number for reuse by other profiles
// (the partial unique indices only cover non-deleted rows).
func (r *PostgresRepository) SoftDelete(ctx context.Context, userID string) error {
	return r.setDeletedFlag(ctx, "soft_delete", userID, true)
}

// Restore implements Repository.Restore.
func (r *PostgresRepository) Restore(ctx context.Context, userID string) error {
	return r.setDeletedFlag(ctx, "restore", userID, false)
}

func (r *PostgresRepository) setDeletedFlag(ctx context.Context, op, userID string, deleted bool) error {
	start := time.Now()
	query := `UPDATE static_profiles SET is_deleted = $1, version = version + 1 WHERE user_id = $2`
	tag, err := r.db.Exec(ctx, query, deleted, userID)
	if err != nil {
		if isUniqueViolation(err) {
			r.observe(op, "conflict", start)
			return pulseerr.Conflict("static profile: restoring user_id %s would collide with an active email/phone", userID)
		}
		r.observe(op, "error", start)
		return pulseerr.Transient(fmt.Errorf("static profile: %s: %w", op, err))
	}
	if tag.RowsAffected() == 0 {
		r.observe(op, "not_found", start)
		return pulseerr.NotFound("static profile: user_id %s", userID)
	}
	r.observe(op, "success", start)
	return nil
}

// ListBySourceChannel implements Repository.ListBySourceChannel.
func (r *PostgresRepository) ListBySourceChannel(ctx context.Context, channel string, limit, offset int) ([]*Profile, error) {
	query := `SELECT ` + selectColumns + ` FROM static_profiles WHERE source_channel = $1 AND NOT is_deleted ORDER BY registration_date DESC LIMIT $2 OFFSET $3`
	return r.list(ctx, "list_by_source_channel", query, channel, limit, offset)
}

// ListByCity implements Repository.ListByCity.
func (r *PostgresRepository) ListByCity(ctx context.Context, city string, limit, offset int) ([]*Profile, error) {
	query := `SELECT ` + selectColumns + ` FROM static_profiles WHERE city = $1 AND NOT is_deleted ORDER BY registration_date DESC LIMIT $2 OFFSET $3`
	return r.list(ctx, "list_by_city", query, city, limit, offset)
}

// ListByGender implements Repository.ListByGender.
func (r *PostgresRepository) ListByGender(ctx context.Context, gender Gender, limit, offset int) ([]*Profile, error) {
	query := `SELECT ` + selectColumns + ` FROM static_profiles WHERE gender = $1 AND NOT is_deleted ORDER BY registration_date DESC LIMIT $2 OFFSET $3`
	return r.list(ctx, "list_by_gender", query, gender, limit, offset)
}

func (r *PostgresRepository) list(ctx context.Context, op, query string, arg any, limit, offset int) ([]*Profile, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, query, arg, limit, offset)
	if err != nil {
		r.observe(op, "error", start)
		return nil, pulseerr.Transient(fmt.Errorf("static profile: %s: %w", op, err))
	}
	defer rows.Close()
	profiles, err := scanProfiles(rows)
	if err != nil {
		r.observe(op, "error", start)
		return nil, err
	}
	r.observe(op, "success", start)
	return profiles, nil
}

// ListNewUsers implements Repository.ListNewUsers: users registered within
// the last `days` days.
func (r *PostgresRepository) ListNewUsers(ctx context.Context, days int) ([]*Profile, error) {
	start := time.Now()
	const op = "list_new_users"
	if days <= 0 {
		r.observe(op, "invalid", start)
		return nil, pulseerr.Invalid("static profile: days must be > 0")
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	query := `SELECT ` + selectColumns + ` FROM static_profiles WHERE registration_date >= $1 AND NOT is_deleted ORDER BY registration_date DESC`
	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		r.observe(op, "error", start)
		return nil, pulseerr.Transient(fmt.Errorf("static profile: list_new_users: %w", err))
	}
	defer rows.Close()
	profiles, err := scanProfiles(rows)
	if err != nil {
		r.observe(op, "error", start)
		return nil, err
	}
	r.observe(op, "success", start)
	return profiles, nil
}

// ListCompleteProfiles implements Repository.ListCompleteProfiles, applying
// the completeness-score filter application-side since the score is not a
// stored column: it is recomputed from CompletenessScore, which only needs to
// be deterministic for a given profile, not match any particular formula.
func (r *PostgresRepository) ListCompleteProfiles(ctx context.Context, minScore int, limit, offset int) ([]*Profile, error) {
	start := time.Now()
	const op = "list_complete_profiles"
	query := `SELECT ` + selectColumns + ` FROM static_profiles WHERE NOT is_deleted ORDER BY registration_date DESC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		r.observe(op, "error", start)
		return nil, pulseerr.Transient(fmt.Errorf("static profile: list_complete_profiles: %w", err))
	}
	defer rows.Close()
	all, err := scanProfiles(rows)
	if err != nil {
		r.observe(op, "error", start)
		return nil, err
	}

	filtered := make([]*Profile, 0, len(all))
	for _, p := range all {
		if CompletenessScore(p) >= minScore {
			filtered = append(filtered, p)
		}
	}
	if offset >= len(filtered) {
		r.observe(op, "success", start)
		return nil, nil
	}
	end := len(filtered)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	r.observe(op, "success", start)
	return filtered[offset:end], nil
}

// CountByRegistrationDateAfter implements Repository.CountByRegistrationDateAfter.
func (r *PostgresRepository) CountByRegistrationDateAfter(ctx context.Context, since time.Time) (int64, error) {
	start := time.Now()
	const op = "count_by_registration_date_after"
	query := `SELECT COUNT(*) FROM static_profiles WHERE registration_date > $1 AND NOT is_deleted`
	var count int64
	if err := r.db.QueryRow(ctx, query, since).Scan(&count); err != nil {
		r.observe(op, "error", start)
		return 0, pulseerr.Transient(fmt.Errorf("static profile: count_by_registration_date_after: %w", err))
	}
	r.observe(op, "success", start)
	return count, nil
}

func scanProfiles(rows pgx.Rows) ([]*Profile, error) {
	profiles := []*Profile{}
	for rows.Next() {
		var p Profile
		if err := rows.Scan(
			&p.UserID, &p.RegistrationDate, &p.Gender, &p.AgeGroup,
			&p.RealName, &p.Email, &p.PhoneNumber, &p.City, &p.SourceChannel,
			&p.IsDeleted, &p.Version,
		); err != nil {
			return nil, pulseerr.Fatal(fmt.Errorf("static profile: scan: %w", err))
		}
		profiles = append(profiles, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, pulseerr.Transient(fmt.Errorf("static profile: rows: %w", err))
	}
	return profiles, nil
}

// NewUserID generates a fresh random user_id for callers that don't already
// have one (onboarding flows upstream of this collaborator).
func NewUserID() string {
	return uuid.NewString()
}
