package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUTC_StartEnd(t *testing.T) {
	ts := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)

	assert.True(t, UTC.Start(ts).Equal(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)))
	assert.True(t, UTC.End(ts).Equal(time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2024-03-05", UTC.Key(ts))
}

func TestCalendar_Location(t *testing.T) {
	cal, err := New("Asia/Kolkata", 0)
	require.NoError(t, err)

	// 20:00 UTC is 01:30 IST the next day.
	ts := time.Date(2024, 3, 5, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-06", cal.Key(ts))
	assert.Equal(t, "Asia/Kolkata", cal.Location().String())
}

func TestCalendar_ShiftedDayStart(t *testing.T) {
	// Session opens at 18:00 the previous evening.
	cal, err := New("UTC", -6*time.Hour)
	require.NoError(t, err)

	before := time.Date(2024, 3, 5, 17, 59, 0, 0, time.UTC)
	after := time.Date(2024, 3, 5, 18, 0, 0, 0, time.UTC)

	assert.Equal(t, "2024-03-05", cal.Key(before))
	assert.Equal(t, "2024-03-06", cal.Key(after))
	assert.True(t, cal.Start(after).Equal(after))
	assert.True(t, cal.End(before).Equal(after))
}

func TestNew_Errors(t *testing.T) {
	_, err := New("Not/AZone", 0)
	assert.Error(t, err)

	_, err = New("UTC", 25*time.Hour)
	assert.Error(t, err)
}
