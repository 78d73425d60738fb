package cronexpr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrequencyExpression(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   Frequency
		want string
	}{
		{name: "daily", in: Frequency{Kind: Daily, Hour: 6, Minute: 30}, want: "30 6 * * *"},
		{name: "weekly", in: Frequency{Kind: Weekly, Hour: 0, Minute: 0, Weekday: time.Friday}, want: "0 0 * * 5"},
		{name: "monthly", in: Frequency{Kind: Monthly, Hour: 23, Minute: 45, MonthDay: 28}, want: "45 23 28 * *"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Expression()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			back, err := ParseFrequency(got)
			require.NoError(t, err)
			assert.Equal(t, tt.in, back)

			_, err = Parse(got)
			assert.NoError(t, err)
		})
	}
}

func TestFrequencyInvalid(t *testing.T) {
	t.Parallel()
	for _, f := range []Frequency{
		{Kind: "hourly"},
		{Kind: Daily, Hour: 24},
		{Kind: Daily, Minute: 60},
		{Kind: Monthly, Hour: 1, MonthDay: 0},
		{Kind: Weekly, Weekday: 9},
	} {
		_, err := f.Expression()
		assert.Error(t, err, "%+v", f)
	}
}

func TestParseFrequencyRejectsComplexExpressions(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"*/5 * * * *", "0 0 1 * 1", "0 0 * 1 *", "0 0,12 * * *", "bad"} {
		_, err := ParseFrequency(expr)
		assert.ErrorIs(t, err, ErrNoFrequency, expr)
	}
}

func TestParseFrequencySundaySeven(t *testing.T) {
	f, err := ParseFrequency("0 8 * * 7")
	require.NoError(t, err)
	assert.Equal(t, Weekly, f.Kind)
	assert.Equal(t, time.Sunday, f.Weekday)
}

func TestParseClockAndWeekday(t *testing.T) {
	h, m, err := ParseClock("23:15")
	require.NoError(t, err)
	assert.Equal(t, 23, h)
	assert.Equal(t, 15, m)

	_, _, err = ParseClock("24:00")
	assert.Error(t, err)

	d, err := ParseWeekday("Fri")
	require.NoError(t, err)
	assert.Equal(t, time.Friday, d)

	d, err = ParseWeekday("0")
	require.NoError(t, err)
	assert.Equal(t, time.Sunday, d)

	_, err = ParseWeekday("someday")
	assert.Error(t, err)
}
