package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlobArchiver struct {
	archived int64
	err      error
	cutoffs  []time.Time
}

func (f *fakeBlobArchiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	if f.err != nil {
		return 0, f.err
	}
	return f.archived, nil
}

func TestArchiveRunUsesConfiguredAge(t *testing.T) {
	blob := &fakeBlobArchiver{archived: 42}
	archiver := NewArchiver(blob, 30*24*time.Hour, discardLogger())

	err := archiver.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, blob.cutoffs, 1)
	want := time.Now().UTC().Add(-30 * 24 * time.Hour)
	assert.WithinDuration(t, want, blob.cutoffs[0], 5*time.Second)
}

func TestArchiveRunPropagatesError(t *testing.T) {
	blob := &fakeBlobArchiver{err: errors.New("bucket unreachable")}
	archiver := NewArchiver(blob, time.Hour, discardLogger())

	err := archiver.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archiving audit entries")
}

func TestRunCronRejectsMalformedExpression(t *testing.T) {
	archiver := NewArchiver(&fakeBlobArchiver{}, time.Hour, discardLogger())

	err := archiver.RunCron(context.Background(), "not a cron")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cron expression")
}

func TestNextCronTimeDaily(t *testing.T) {
	after := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	next, err := nextCronTime("0 3 * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC), next)
}

func TestNextCronTimeSameDay(t *testing.T) {
	after := time.Date(2026, 8, 25, 2, 30, 0, 0, time.UTC)

	next, err := nextCronTime("0 3 * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC), next)
}

func TestNextCronTimeMonthly(t *testing.T) {
	after := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	next, err := nextCronTime("0 3 1 * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC), next)
}

func TestNextCronTimeDayOfWeek(t *testing.T) {
	// 2026-08-25 is a Tuesday; the next Monday is the 31st.
	after := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	next, err := nextCronTime("0 3 * * 1", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 31, 3, 0, 0, 0, time.UTC), next)
}

func TestNextCronTimeListField(t *testing.T) {
	after := time.Date(2026, 8, 25, 10, 10, 0, 0, time.UTC)

	next, err := nextCronTime("0,30 * * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC), next)
}

func TestParseCronRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		expr string
	}{
		{"too few fields", "0 3 * *"},
		{"too many fields", "0 3 * * * *"},
		{"non-numeric field", "0 x * * *"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseCron(tc.expr)
			require.Error(t, err)
		})
	}
}
