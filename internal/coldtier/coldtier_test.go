package coldtier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertDocument_RejectsEmptyUserID(t *testing.T) {
	repo := NewPostgresRepository(nil, nil)
	_, err := repo.UpsertDocument(context.Background(), SnapshotInput{})
	require.Error(t, err)
}

func TestAddTag_RejectsEmptyTag(t *testing.T) {
	repo := NewPostgresRepository(nil, nil)
	err := repo.AddTag(context.Background(), "U1", "")
	require.Error(t, err)
}

func TestNonNilMap_NilBecomesEmptyNotNil(t *testing.T) {
	out := nonNilMap(nil)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestNormalizeLimit_NonPositiveDefaultsTo100(t *testing.T) {
	assert.Equal(t, 100, normalizeLimit(0))
	assert.Equal(t, 100, normalizeLimit(-5))
	assert.Equal(t, 25, normalizeLimit(25))
}

// The remaining CRUD paths require a live PostgreSQL connection (pgxpool);
// see coldtier_integration_test.go, gated behind the "integration" build
// tag, for coverage against a real container.
