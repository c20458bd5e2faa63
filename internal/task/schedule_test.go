package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedDelay(t *testing.T) {
	s := FixedDelay(15 * time.Minute)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(15*time.Minute), s.Next(now))
}

func TestCron(t *testing.T) {
	s, err := Cron("0 * * * *")
	require.NoError(t, err)

	now := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC), s.Next(now))
}

func TestCronInvalid(t *testing.T) {
	_, err := Cron("not a cron expression")
	require.Error(t, err)
	require.Error(t, ValidateCron("* * *"))
	require.NoError(t, ValidateCron("*/5 * * * *"))
}
