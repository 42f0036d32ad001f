package jobs

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
)

func TestGenerateKey(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		key := GenerateKey()
		assert.Len(t, key, 32)
		assert.False(t, seen[key], "keys should not repeat")
		seen[key] = true

		for _, r := range key {
			assert.Contains(t, keyAlphabet, string(r))
		}
	}
}

func TestStatusMessage(t *testing.T) {
	tests := []struct {
		name     string
		method   Method
		status   Status
		position int
		want     string
	}{
		{
			name:     "dispatched includes queue position",
			method:   MethodPull,
			status:   StatusDispatched,
			position: 3,
			want:     "pull is 3rd in the queue.",
		},
		{
			name:   "received is starting",
			method: MethodPull,
			status: StatusReceived,
			want:   "pull is starting.",
		},
		{
			name:   "started",
			method: MethodPull,
			status: StatusStarted,
			want:   "pull has started.",
		},
		{
			name:   "session started still reported as starting",
			method: MethodSession,
			status: StatusStarted,
			want:   "Session is starting",
		},
		{
			name:   "running",
			method: MethodSleep,
			status: StatusRunning,
			want:   "sleep is running.",
		},
		{
			name:   "success",
			method: MethodPull,
			status: StatusSuccess,
			want:   "pull has finished.",
		},
		{
			name:   "failure",
			method: MethodPull,
			status: StatusFailure,
			want:   "pull has failed.",
		},
		{
			name:   "terminated reported as cancelled",
			method: MethodPull,
			status: StatusTerminated,
			want:   "pull was cancelled.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{Method: tt.method, Status: tt.status}
			assert.Equal(t, tt.want, job.StatusMessage(tt.position))
		})
	}
}

func TestOrdinal(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{1, "1st"},
		{2, "2nd"},
		{3, "3rd"},
		{4, "4th"},
		{11, "11th"},
		{12, "12th"},
		{13, "13th"},
		{21, "21st"},
		{102, "102nd"},
		{111, "111th"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ordinal(tt.n))
	}
}

func TestSummaryString(t *testing.T) {
	description := "Pull the manuscript"
	job := &Job{Method: MethodPull, Description: &description}
	assert.Equal(t, "Pull the manuscript", job.SummaryString())

	job = &Job{Method: MethodPull, Params: types.JSONText(`{"path":"data.csv"}`)}
	assert.Equal(t, "Pull 'data.csv'", job.SummaryString())

	job = &Job{Method: MethodSleep}
	assert.Equal(t, "Sleep", job.SummaryString())
}

func TestRuntimeFormatted(t *testing.T) {
	began := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		runtime float64
		want    string
	}{
		{"sub-second", 0.4, "<1 sec"},
		{"seconds", 42, "42 secs"},
		{"single second", 1, "1 sec"},
		{"minutes and seconds", 125, "2 mins 5 secs"},
		{"hours", 3600, "1 hour"},
		{"hours minutes seconds", 3723, "1 hour 2 mins 3 secs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ended := began.Add(time.Duration(tt.runtime * float64(time.Second)))
			runtime := tt.runtime
			job := &Job{Runtime: &runtime, Began: &began, Ended: &ended}
			assert.Equal(t, tt.want, job.RuntimeFormatted())
		})
	}
}

func TestRuntimeSecondsFallsBackToSpan(t *testing.T) {
	began := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ended := began.Add(90 * time.Second)
	job := &Job{Began: &began, Ended: &ended}
	assert.InDelta(t, 90, job.RuntimeSeconds(), 0.001)
}
