package balance

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTimeSortsChronologically(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 5, 0, time.UTC)
	times := []time.Time{
		base.Add(500 * time.Millisecond),
		base,
		base.Add(time.Microsecond),
		base.Add(time.Second),
	}

	var formatted []string
	for _, tm := range times {
		formatted = append(formatted, formatTime(tm))
	}
	sort.Strings(formatted)

	assert.Equal(t, []string{
		"2025-03-01T09:00:05.000000Z",
		"2025-03-01T09:00:05.000001Z",
		"2025-03-01T09:00:05.500000Z",
		"2025-03-01T09:00:06.000000Z",
	}, formatted)
}

func TestFormatTimeRoundTrips(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 0, 5, 123456000, time.FixedZone("CET", 3600))
	parsed, err := time.Parse(time.RFC3339Nano, formatTime(at))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(at))
	assert.Equal(t, time.UTC, parsed.Location())
}
