package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyChannel(t *testing.T) {
	tests := []struct {
		name      string
		channelID string
		want      ChannelType
	}{
		{"public channel", "C09XYZ", ChannelTypeChannel},
		{"direct message", "D09XYZ", ChannelTypeDM},
		{"private group", "G09XYZ", ChannelTypeGroup},
		{"unknown prefix", "Z09XYZ", ChannelTypeUnknown},
		{"empty id", "", ChannelTypeUnknown},
		{"lowercase prefix is not recognized", "c09xyz", ChannelTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyChannel(tt.channelID))
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())

	for _, s := range []JobStatus{StatusSearching, StatusFetchingThreads, StatusWritingOutput, StatusPaused} {
		assert.False(t, s.Terminal(), "status %s should not be terminal", s)
	}
}
