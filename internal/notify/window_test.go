package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendWindowAllows(t *testing.T) {
	msk := time.FixedZone("MSK", 3*3600)
	w := DefaultSendWindow(msk)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"opening minute", time.Date(2026, 10, 19, 8, 0, 0, 0, msk), true},
		{"midday", time.Date(2026, 10, 19, 13, 15, 0, 0, msk), true},
		{"just before close", time.Date(2026, 10, 19, 21, 59, 0, 0, msk), true},
		{"closing minute", time.Date(2026, 10, 19, 22, 0, 0, 0, msk), false},
		{"late evening", time.Date(2026, 10, 19, 23, 0, 0, 0, msk), false},
		{"early morning", time.Date(2026, 10, 19, 7, 59, 0, 0, msk), false},
		{"utc instant inside local window", time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Allows(tt.at))
		})
	}
}

func TestParseSendWindowCrossingMidnight(t *testing.T) {
	w, err := ParseSendWindow("22:00", "02:00", time.UTC)
	require.NoError(t, err)
	assert.True(t, w.Allows(time.Date(2026, 10, 19, 23, 30, 0, 0, time.UTC)))
	assert.True(t, w.Allows(time.Date(2026, 10, 19, 1, 0, 0, 0, time.UTC)))
	assert.False(t, w.Allows(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)))
}

func TestParseSendWindowInvalid(t *testing.T) {
	_, err := ParseSendWindow("", "22:00", time.UTC)
	require.Error(t, err)
	_, err = ParseSendWindow("08:00", "25:99", time.UTC)
	require.Error(t, err)
}
