package device

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pulsehub/profile-engine/internal/store/redisstore"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(redisstore.New(client), nil, nil)
}

func strp(s string) *string { return &s }

func TestClassify_KnownToken(t *testing.T) {
	c := newTestClassifier(t)
	require.Equal(t, Mobile, c.Classify(context.Background(), strp("iPhone")))
}

func TestClassify_UnknownTokenRecordedForReview(t *testing.T) {
	ctx := context.Background()
	c := newTestClassifier(t)

	class := c.Classify(ctx, strp("holo-lens-42"))
	require.Equal(t, Unknown, class)

	unknowns, err := c.GetUnknowns(ctx)
	require.NoError(t, err)
	require.Contains(t, unknowns, "holo-lens-42")
}

func TestClassify_AbsentOrBlankNotAudited(t *testing.T) {
	ctx := context.Background()
	c := newTestClassifier(t)

	require.Equal(t, Unknown, c.Classify(ctx, nil))
	require.Equal(t, Unknown, c.Classify(ctx, strp("   ")))

	unknowns, err := c.GetUnknowns(ctx)
	require.NoError(t, err)
	require.Empty(t, unknowns)
}

func TestAddMapping_ReclassifiesSubsequentCalls(t *testing.T) {
	ctx := context.Background()
	c := newTestClassifier(t)

	require.Equal(t, Unknown, c.Classify(ctx, strp("holo-lens-42")))

	require.NoError(t, c.AddMapping("holo-lens-42", SmartTV))
	require.Equal(t, SmartTV, c.Classify(ctx, strp("Holo-Lens-42")))
}

func TestAddMapping_RejectsUnknownVariant(t *testing.T) {
	c := newTestClassifier(t)
	err := c.AddMapping("some-token", Unknown)
	require.Error(t, err)
}

func TestClearUnknowns(t *testing.T) {
	ctx := context.Background()
	c := newTestClassifier(t)

	c.Classify(ctx, strp("mystery-device"))
	require.NoError(t, c.ClearUnknowns(ctx))

	unknowns, err := c.GetUnknowns(ctx)
	require.NoError(t, err)
	require.Empty(t, unknowns)
}

func TestIsKnown(t *testing.T) {
	c := newTestClassifier(t)
	require.True(t, c.IsKnown("iPhone"))
	require.False(t, c.IsKnown("holo-lens-42"))
}

func TestClassifyBatch(t *testing.T) {
	ctx := context.Background()
	c := newTestClassifier(t)

	result := c.ClassifyBatch(ctx, []string{"iPhone", "Android", "holo-lens-42"})
	require.Equal(t, Mobile, result["iPhone"])
	require.Equal(t, Mobile, result["Android"])
	require.Equal(t, Unknown, result["holo-lens-42"])
}

func TestCurrentMappings_IsSnapshotCopy(t *testing.T) {
	c := newTestClassifier(t)
	snapshot := c.CurrentMappings()
	snapshot["iphone"] = Desktop

	require.Equal(t, Mobile, c.Classify(context.Background(), strp("iPhone")),
		"mutating the returned snapshot must not affect the live table")
}
