package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/multicap/internal/logic/capture"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testSummary(started time.Time) *capture.Summary {
	return &capture.Summary{
		ID:          uuid.New(),
		Started:     started,
		Finished:    started.Add(2 * time.Second),
		TriggerMode: capture.TriggerSoftware,
		Devices: []capture.DeviceSummary{
			{Index: 0, Serial: "SIM0000", Requested: 3, Captured: 3, Persisted: 3, FrameRate: 29.5},
			{Index: 1, Serial: "SIM0001", Requested: 3, Captured: 2, Skipped: 1, Incomplete: 1, Persisted: 2,
				StartSkew: 1500 * time.Microsecond},
		},
	}
}

func TestRecordAndGet(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	sum := testSummary(time.Now())

	rec, err := c.Record(ctx, sum, "/data/run1")
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)

	got, err := c.Get(ctx, sum.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "partial", got.Result)
	assert.Equal(t, "software", got.TriggerMode)
	assert.Equal(t, "/data/run1", got.OutputDir)
	assert.Equal(t, 6, got.Requested)
	assert.Equal(t, 5, got.Persisted)
	assert.Equal(t, 1, got.Skipped)
	require.Len(t, got.Devices, 2)
	assert.Equal(t, "SIM0001", got.Devices[1].Serial)
	assert.Equal(t, int64(1500), got.Devices[1].StartSkewUs)
	assert.Equal(t, 29.5, got.Devices[0].FrameRate)
}

func TestGet_NotFound(t *testing.T) {
	c := openTestCatalog(t)
	_, err := c.Get(context.Background(), uuid.NewString())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRecord_DuplicateSessionRejected(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	sum := testSummary(time.Now())

	_, err := c.Record(ctx, sum, "out")
	require.NoError(t, err)
	_, err = c.Record(ctx, sum, "out")
	assert.Error(t, err)
}

func TestRecent_NewestFirst(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		sum := testSummary(base.Add(time.Duration(i) * time.Minute))
		ids = append(ids, sum.ID.String())
		_, err := c.Record(ctx, sum, "out")
		require.NoError(t, err)
	}

	recs, err := c.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ids[2], recs[0].SessionID)
	assert.Equal(t, ids[1], recs[1].SessionID)
	assert.Len(t, recs[0].Devices, 2)
}

func TestFromSummary_ErrorText(t *testing.T) {
	sum := testSummary(time.Now())
	sum.Err = capture.ErrNoActiveDevices
	sum.Devices[0].Err = &capture.DeviceConfigError{Device: 0, Serial: "SIM0000", Node: "TriggerMode", Err: errors.New("not writable")}

	rec := FromSummary(sum, "out")
	assert.Equal(t, "failed", rec.Result)
	assert.Equal(t, "no active devices", rec.Error)
	assert.Contains(t, rec.Devices[0].Error, "TriggerMode")
	assert.Empty(t, rec.Devices[1].Error)
}
