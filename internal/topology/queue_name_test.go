package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQueueName(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   QueueName
		hasErr bool
	}{
		{
			name:  "zone only",
			input: "default",
			want:  QueueName{Zone: "default"},
		},
		{
			name:  "zone with priority",
			input: "north-1:2",
			want:  QueueName{Zone: "north-1", Priority: 2},
		},
		{
			name:  "zone with untrusted",
			input: "default:untrusted",
			want:  QueueName{Zone: "default", Untrusted: true},
		},
		{
			name:  "all parts",
			input: "north-1:9:untrusted:interrupt",
			want:  QueueName{Zone: "north-1", Priority: 9, Untrusted: true, Interrupt: true},
		},
		{
			name:  "interrupt without untrusted",
			input: "default:interrupt",
			want:  QueueName{Zone: "default", Interrupt: true},
		},
		{
			name:   "uppercase zone rejected",
			input:  "Default",
			hasErr: true,
		},
		{
			name:   "zone starting with digit rejected",
			input:  "1north",
			hasErr: true,
		},
		{
			name:   "parts out of order rejected",
			input:  "default:untrusted:2",
			hasErr: true,
		},
		{
			name:   "multi digit priority rejected",
			input:  "default:10",
			hasErr: true,
		},
		{
			name:   "empty name rejected",
			input:  "",
			hasErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseQueueName(tt.input)
			if tt.hasErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, parsed)
		})
	}
}

func TestQueueNameRoundTrip(t *testing.T) {
	// Valid names survive a parse and format cycle unchanged.
	for _, name := range []string{
		"default",
		"north-1:2",
		"default:untrusted",
		"north-1:9:untrusted:interrupt",
		"default:interrupt",
	} {
		parsed, err := ParseQueueName(name)
		require.NoError(t, err)
		assert.Equal(t, name, parsed.String())
	}
}

func TestQueueNameZeroPriorityOmitted(t *testing.T) {
	// Priority zero is the default and is not rendered.
	parsed, err := ParseQueueName("default:0")
	require.NoError(t, err)
	assert.Equal(t, "default", parsed.String())
}
