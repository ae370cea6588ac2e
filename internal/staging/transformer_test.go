package staging_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/staging"
	"github.com/contract-catalog/internal/storage/memory"
)

func seed(t *testing.T, store *memory.Store) {
	t.Helper()
	payload, err := os.ReadFile("testdata/block.json")
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store.AppendRawEvent(models.RawEvent{ID: "a", ReceivedAt: base, Payload: string(payload)})
	store.AppendRawEvent(models.RawEvent{ID: "b", ReceivedAt: base.Add(time.Second), Payload: "garbage"})
	// replayed delivery of the same block
	store.AppendRawEvent(models.RawEvent{ID: "c", ReceivedAt: base.Add(2 * time.Second), Payload: string(payload)})
}

func TestTransformer_Run(t *testing.T) {
	store := memory.New()
	seed(t, store)

	tr, err := staging.NewTransformer(store, store, store, staging.Config{PageSize: 2})
	require.NoError(t, err)

	res, err := tr.Run(context.Background(), models.Window{})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Read)
	assert.Equal(t, 2, res.WellFormed)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Zero(t, res.Skipped)

	batch, err := store.ReadStaging(context.Background(), models.Window{})
	require.NoError(t, err)
	assert.Len(t, batch.Blocks, 1)
	assert.Len(t, batch.Transactions, 2)
	assert.Len(t, batch.Operations, 2)
	assert.Len(t, batch.Events, 2)

	require.False(t, res.Span.From.IsZero())
	for _, tx := range batch.Transactions {
		assert.True(t, res.Span.Contains(tx.Timestamp), "span covers every staged row")
	}

	letters := store.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, "garbage", letters[0].Payload)

	mark, err := store.GetWatermark(context.Background(), staging.WatermarkName)
	require.NoError(t, err)
	assert.Equal(t, res.Watermark, mark)
}

func TestTransformer_Idempotent(t *testing.T) {
	store := memory.New()
	seed(t, store)
	tr, err := staging.NewTransformer(store, store, nil, staging.Config{})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = tr.Run(ctx, models.Window{})
	require.NoError(t, err)
	first, err := store.ReadStaging(ctx, models.Window{})
	require.NoError(t, err)

	_, err = tr.Run(ctx, models.Window{})
	require.NoError(t, err)
	second, err := store.ReadStaging(ctx, models.Window{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestTransformer_ResumesFromWatermark(t *testing.T) {
	store := memory.New()
	seed(t, store)
	tr, err := staging.NewTransformer(store, store, store, staging.Config{})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = tr.Run(ctx, models.Window{})
	require.NoError(t, err)

	res, err := tr.Run(ctx, models.Window{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Read, "only the event at the watermark instant is re-read")
}

type failingStore struct{ *memory.Store }

func (failingStore) WriteStaging(context.Context, *models.StagingBatch) error {
	return errors.New("clickhouse: connection reset")
}

func TestTransformer_WriteFailureKeepsWatermark(t *testing.T) {
	store := memory.New()
	seed(t, store)
	tr, err := staging.NewTransformer(store, failingStore{store}, store, staging.Config{})
	require.NoError(t, err)

	_, err = tr.Run(context.Background(), models.Window{})
	require.Error(t, err)

	mark, _ := store.GetWatermark(context.Background(), staging.WatermarkName)
	assert.True(t, mark.IsZero())
}

func TestNewTransformer_Validation(t *testing.T) {
	_, err := staging.NewTransformer(nil, memory.New(), nil, staging.Config{})
	assert.Error(t, err)
	_, err = staging.NewTransformer(memory.New(), nil, nil, staging.Config{})
	assert.Error(t, err)
}
