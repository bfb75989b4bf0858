package staticprofile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestCompletenessScore_EmptyProfileIsZero(t *testing.T) {
	assert.Equal(t, 0, CompletenessScore(&Profile{UserID: "U1"}))
	assert.Equal(t, 0, CompletenessScore(nil))
}

func TestCompletenessScore_MonotonicAsFieldsFill(t *testing.T) {
	p := &Profile{UserID: "U1"}
	prev := CompletenessScore(p)

	p.Gender = ptr(Male)
	next := CompletenessScore(p)
	assert.GreaterOrEqual(t, next, prev)
	prev = next

	p.AgeGroup = ptr(Adult)
	next = CompletenessScore(p)
	assert.GreaterOrEqual(t, next, prev)
	prev = next

	p.RealName = ptr("Jane Doe")
	p.Email = ptr("jane@example.com")
	p.PhoneNumber = ptr("+15551234567")
	p.City = ptr("Springfield")
	p.SourceChannel = ptr("organic")
	next = CompletenessScore(p)
	assert.GreaterOrEqual(t, next, prev)
}

func TestCompletenessScore_BoundedAt100(t *testing.T) {
	p := &Profile{
		UserID:        "U1",
		Gender:        ptr(Female),
		AgeGroup:      ptr(Senior),
		RealName:      ptr("Jane Doe"),
		Email:         ptr("jane@example.com"),
		PhoneNumber:   ptr("+15551234567"),
		City:          ptr("Springfield"),
		SourceChannel: ptr("organic"),
	}
	assert.LessOrEqual(t, CompletenessScore(p), 100)
}

func TestCompletenessScore_BlankStringsDoNotCount(t *testing.T) {
	p := &Profile{UserID: "U1", RealName: ptr(""), Email: ptr("")}
	assert.Equal(t, 0, CompletenessScore(p))
}

func TestJoinClauses_SingleAndMultiple(t *testing.T) {
	assert.Equal(t, "a = $1", joinClauses([]string{"a = $1"}))
	assert.Equal(t, "a = $1, b = $2", joinClauses([]string{"a = $1", "b = $2"}))
}

func TestCreate_RejectsEmptyUserID(t *testing.T) {
	repo := NewPostgresRepository(nil, nil)
	_, err := repo.Create(context.Background(), &Profile{})
	require.Error(t, err)
}

func TestUpdate_RejectsEmptyUserID(t *testing.T) {
	repo := NewPostgresRepository(nil, nil)
	_, err := repo.Update(context.Background(), &Profile{})
	require.Error(t, err)
}

func TestPartialUpdate_RejectsUnknownField(t *testing.T) {
	repo := NewPostgresRepository(nil, nil)
	_, err := repo.PartialUpdate(context.Background(), "U1", map[string]any{"is_deleted": true})
	require.Error(t, err)
}

func TestListNewUsers_RejectsNonPositiveDays(t *testing.T) {
	repo := NewPostgresRepository(nil, nil)
	_, err := repo.ListNewUsers(context.Background(), 0)
	require.Error(t, err)
}

// The remaining CRUD paths require a live PostgreSQL connection (pgxpool);
// see staticprofile_integration_test.go, gated behind the "integration"
// build tag, for coverage against a real container.
