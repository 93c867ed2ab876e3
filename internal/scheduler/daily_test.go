package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estacao/internal/types"
)

type stubTimeSource struct {
	value string
	err   error
}

func (s *stubTimeSource) DailyGenerationTime(_ context.Context) (string, error) {
	return s.value, s.err
}

func TestDailyBatch_NextRunLaterToday(t *testing.T) {
	now := time.Date(2025, 12, 26, 10, 0, 0, 0, saoPaulo)
	d := NewDailyBatch(&stubTimeSource{value: "18:30"}, &spyQueue{}, saoPaulo, types.FixedClock{At: now}, nil)

	delay, err := d.NextRunDelay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8*time.Hour+30*time.Minute, delay)
}

func TestDailyBatch_TimeAlreadyPastRollsToTomorrow(t *testing.T) {
	now := time.Date(2025, 12, 26, 19, 0, 0, 0, saoPaulo)
	d := NewDailyBatch(&stubTimeSource{value: "18:30"}, &spyQueue{}, saoPaulo, types.FixedClock{At: now}, nil)

	delay, err := d.NextRunDelay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 23*time.Hour+30*time.Minute, delay)
}

func TestDailyBatch_ExactBoundaryRollsToTomorrow(t *testing.T) {
	now := time.Date(2025, 12, 26, 18, 30, 0, 0, saoPaulo)
	d := NewDailyBatch(&stubTimeSource{value: "18:30"}, &spyQueue{}, saoPaulo, types.FixedClock{At: now}, nil)

	delay, err := d.NextRunDelay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, delay)
}

func TestDailyBatch_MalformedTimeIsAnError(t *testing.T) {
	now := time.Date(2025, 12, 26, 10, 0, 0, 0, saoPaulo)
	d := NewDailyBatch(&stubTimeSource{value: "6pm"}, &spyQueue{}, saoPaulo, types.FixedClock{At: now}, nil)

	_, err := d.NextRunDelay(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInternalUnexpected, types.CodeOf(err))
}
