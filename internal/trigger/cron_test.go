package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, expr string) *Schedule {
	t.Helper()
	s, err := ParseCron(expr)
	require.NoError(t, err)
	return s
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02 15:04", value)
	require.NoError(t, err)
	return parsed
}

func TestParseCronRejectsMalformedExpressions(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"a * * * *",
		"5-2 * * * *",
		"*/0 * * * *",
		"1,,2 * * * *",
		"@fortnightly",
	} {
		_, err := ParseCron(expr)
		assert.Error(t, err, "expression %q", expr)
	}
}

func TestParseCronAliases(t *testing.T) {
	daily := mustParse(t, "@daily")
	assert.Equal(t, at(t, "2026-01-06 00:00"), daily.Next(at(t, "2026-01-05 10:30")))

	hourly := mustParse(t, "@hourly")
	assert.Equal(t, at(t, "2026-01-05 11:00"), hourly.Next(at(t, "2026-01-05 10:30")))

	weekly := mustParse(t, "@weekly")
	// 2026-01-05 is a Monday, so the next Sunday midnight is the 11th.
	assert.Equal(t, at(t, "2026-01-11 00:00"), weekly.Next(at(t, "2026-01-05 10:30")))

	monthly := mustParse(t, "@monthly")
	assert.Equal(t, at(t, "2026-02-01 00:00"), monthly.Next(at(t, "2026-01-15 08:00")))
}

func TestNextWithRangesStepsAndLists(t *testing.T) {
	quarterHour := mustParse(t, "*/15 * * * *")
	assert.Equal(t, at(t, "2026-01-05 10:15"), quarterHour.Next(at(t, "2026-01-05 10:07")))
	assert.Equal(t, at(t, "2026-01-05 10:15"), quarterHour.Next(at(t, "2026-01-05 10:00")))

	weekdayMornings := mustParse(t, "0 9 * * 1-5")
	// From a Friday after nine, the next fire is Monday.
	assert.Equal(t, at(t, "2026-01-05 09:00"), weekdayMornings.Next(at(t, "2026-01-02 10:00")))

	listed := mustParse(t, "0 8,18 * * *")
	assert.Equal(t, at(t, "2026-01-05 18:00"), listed.Next(at(t, "2026-01-05 08:00")))
	assert.Equal(t, at(t, "2026-01-06 08:00"), listed.Next(at(t, "2026-01-05 18:00")))
}

func TestNextRequiresBothDayFields(t *testing.T) {
	// Fires only when the 13th is also a Friday.
	s := mustParse(t, "0 12 13 * 5")
	assert.Equal(t, at(t, "2026-02-13 12:00"), s.Next(at(t, "2026-01-01 00:00")))
}

func TestNextIsStrictlyAfterFrom(t *testing.T) {
	s := mustParse(t, "30 4 * * *")
	assert.Equal(t, at(t, "2026-01-06 04:30"), s.Next(at(t, "2026-01-05 04:30")))
}

func TestNextGivesUpOnImpossibleSchedules(t *testing.T) {
	s := mustParse(t, "0 0 30 2 *")
	assert.True(t, s.Next(at(t, "2026-01-01 00:00")).IsZero())
}

func TestNextHonorsLocation(t *testing.T) {
	s := mustParse(t, "0 9 * * *")
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	from := time.Date(2026, 1, 5, 10, 0, 0, 0, loc)
	next := s.Next(from)
	assert.Equal(t, time.Date(2026, 1, 6, 9, 0, 0, 0, loc), next)
	assert.Equal(t, loc, next.Location())
}
