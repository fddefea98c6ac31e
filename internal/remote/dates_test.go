package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime_AcceptedFormats(t *testing.T) {
	want := time.Date(2025, 3, 25, 2, 31, 46, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"api micros", "2025-03-25T02:31:46.000000Z", want},
		{"millis", "2025-03-25T02:31:46.000Z", want},
		{"no fraction", "2025-03-25T02:31:46Z", want},
		{"offset", "2025-03-25T04:31:46+02:00", want},
		{"offset with fraction", "2025-03-25T04:31:46.000+02:00", want},
		{"offset without colon", "2025-03-25T04:31:46+0200", want},
		{"space separated", "2025-03-25 02:31:46", want},
		{"date only", "2025-03-25", time.Date(2025, 3, 25, 0, 0, 0, 0, time.UTC)},
		{"surrounding whitespace", "  2025-03-25T02:31:46Z ", want},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTime(tt.input)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseTime_Rejects(t *testing.T) {
	for _, in := range []string{"", "   ", "yesterday", "25/03/2025"} {
		_, err := ParseTime(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestFormatTime(t *testing.T) {
	in := time.Date(2025, 3, 25, 4, 31, 46, 999, time.FixedZone("x", 2*3600))
	assert.Equal(t, "2025-03-25T02:31:46+00:00", FormatTime(in))

	back, err := ParseTime(FormatTime(in))
	require.NoError(t, err)
	assert.True(t, back.Equal(in.Truncate(time.Second)))
}

func TestParseHTTPDate(t *testing.T) {
	got, err := ParseHTTPDate("Tue, 25 Mar 2025 02:31:46 GMT")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 3, 25, 2, 31, 46, 0, time.UTC)))

	_, err = ParseHTTPDate("")
	assert.Error(t, err)
	_, err = ParseHTTPDate("2025-03-25")
	assert.Error(t, err)
}
