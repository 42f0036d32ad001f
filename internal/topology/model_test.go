package topology

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignature(t *testing.T) {
	signature := Signature("worker-1", 0, 1234, 5, "conductor-worker 0.1.0", "linux")
	assert.Equal(t, "worker-1|0|1234|5|conductor-worker 0.1.0|linux", signature)

	// Any field change yields a different signature.
	other := Signature("worker-1", 0, 1235, 5, "conductor-worker 0.1.0", "linux")
	assert.NotEqual(t, signature, other)
}

func TestWorkerActive(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	finished := now.Add(-time.Minute)

	tests := []struct {
		name   string
		worker Worker
		active bool
	}{
		{
			name:   "recent heartbeat",
			worker: Worker{Freq: 5, Updated: now.Add(-10 * time.Second)},
			active: true,
		},
		{
			name:   "heartbeat on the edge of the window",
			worker: Worker{Freq: 5, Updated: now.Add(-25 * time.Second)},
			active: true,
		},
		{
			name:   "flatlined",
			worker: Worker{Freq: 5, Updated: now.Add(-26 * time.Second)},
			active: false,
		},
		{
			name:   "finished workers are never active",
			worker: Worker{Freq: 5, Updated: now, Finished: &finished},
			active: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.active, tt.worker.Active(now))
		})
	}
}
