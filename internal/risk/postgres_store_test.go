//go:build integration

package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/qff/internal/testutil"
)

func TestPostgresStore_RecordAndListRecent(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, rec := range []Recommendation{RecommendProceed, RecommendFlag, RecommendBlock} {
		require.NoError(t, store.Record(ctx, &Assessment{
			ID:             "risk_" + string(rec),
			TransactionID:  "tx_" + string(rec),
			Score:          90 - 40*i,
			Level:          []Level{LevelLow, LevelMedium, LevelCritical}[i],
			Recommendation: rec,
			Factors:        []string{"High-value transaction"},
			Explain:        map[string]int{ExplainAmount: -5 * i},
			Narrative:      "n",
			ModelVersion:   uint64(i),
			EvaluatedAt:    base.Add(time.Duration(i) * time.Minute),
		}))
	}

	list, err := store.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "risk_BLOCK", list[0].ID)
	assert.Equal(t, LevelCritical, list[0].Level)
	assert.Equal(t, map[string]int{ExplainAmount: -10}, list[0].Explain)
	assert.Equal(t, []string{"High-value transaction"}, list[0].Factors)
	assert.Equal(t, uint64(2), list[0].ModelVersion)
	assert.True(t, list[0].EvaluatedAt.Equal(base.Add(2*time.Minute)))
	assert.Equal(t, "risk_FLAG", list[1].ID)
}

func TestPostgresStore_RejectsInvalidLevel(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()

	err := store.Record(ctx, &Assessment{
		ID: "risk_bad", Score: 50, Level: "SEVERE", Recommendation: RecommendFlag, EvaluatedAt: time.Now(),
	})
	assert.Error(t, err)
}
