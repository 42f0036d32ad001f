package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusRank(t *testing.T) {
	// Ranks broadly follow the order statuses change on a job.
	assert.Less(t, StatusWaiting.Rank(), StatusDispatched.Rank())
	assert.Less(t, StatusDispatched.Rank(), StatusPending.Rank())
	assert.Less(t, StatusPending.Rank(), StatusReceived.Rank())
	assert.Less(t, StatusReceived.Rank(), StatusStarted.Rank())
	assert.Less(t, StatusStarted.Rank(), StatusRunning.Rank())
	assert.Less(t, StatusRunning.Rank(), StatusSuccess.Rank())

	// Failure outranks everything so that it dominates roll-ups.
	for _, status := range []Status{
		StatusWaiting, StatusDispatched, StatusPending, StatusReceived,
		StatusStarted, StatusRunning, StatusSuccess, StatusCancelled,
		StatusRevoked, StatusTerminated,
	} {
		assert.Greater(t, StatusFailure.Rank(), status.Rank(), "FAILURE should outrank %s", status)
	}

	// Unranked statuses rank zero.
	assert.Equal(t, 0, StatusRejected.Rank())
	assert.Equal(t, 0, StatusRetry.Rank())
}

func TestStatusHasEnded(t *testing.T) {
	tests := []struct {
		status Status
		ended  bool
	}{
		{StatusWaiting, false},
		{StatusDispatched, false},
		{StatusPending, false},
		{StatusReceived, false},
		{StatusStarted, false},
		{StatusRunning, false},
		{StatusRetry, false},
		{StatusRejected, false},
		{StatusSuccess, true},
		{StatusFailure, true},
		{StatusCancelled, true},
		{StatusRevoked, true},
		{StatusTerminated, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.ended, tt.status.HasEnded())
		})
	}
}

func TestHighest(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{
			name:     "failure dominates",
			statuses: []Status{StatusSuccess, StatusRunning, StatusFailure},
			want:     StatusFailure,
		},
		{
			name:     "dispatched beats waiting",
			statuses: []Status{StatusWaiting, StatusDispatched},
			want:     StatusDispatched,
		},
		{
			name:     "all success",
			statuses: []Status{StatusSuccess, StatusSuccess},
			want:     StatusSuccess,
		},
		{
			name:     "terminated beats success",
			statuses: []Status{StatusSuccess, StatusTerminated},
			want:     StatusTerminated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Highest(tt.statuses))
		})
	}
}

func TestStatusIconAndColour(t *testing.T) {
	// Every status has some icon and colour for rendering.
	for status := range statusRanks {
		assert.NotEmpty(t, status.Icon())
		assert.NotEmpty(t, status.Colour())
	}

	assert.Equal(t, "check-circle", StatusSuccess.Icon())
	assert.Equal(t, "success", StatusSuccess.Colour())
	assert.Equal(t, "danger", StatusFailure.Colour())
}
