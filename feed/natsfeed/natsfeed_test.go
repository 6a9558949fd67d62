package natsfeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/flowscope/errors"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default is valid", func(_ *Config) {}, false},
		{"missing url", func(c *Config) { c.URL = "" }, true},
		{"missing subject", func(c *Config) { c.Subject = "" }, true},
		{"zero buffer", func(c *Config) { c.BatchBuffer = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)

			err := config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewFeed_RejectsInvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.Subject = ""

	_, err := NewFeed(config, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestFeed_StopBeforeStartIsNoop(t *testing.T) {
	f, err := NewFeed(DefaultConfig(), nil, nil)
	require.NoError(t, err)

	assert.NoError(t, f.Stop(time.Second))
}

func TestFeed_HandleMessage_DeliversDecodedBatch(t *testing.T) {
	f, err := NewFeed(DefaultConfig(), nil, nil)
	require.NoError(t, err)

	f.handleMessage([]byte(`[{"timestamp": 1000, "flow": 12.5}]`))

	select {
	case batch := <-f.Batches():
		assert.Equal(t, "nats", batch.Source)
		require.Len(t, batch.Records, 1)
		assert.Equal(t, 12.5, batch.Records[0]["flow"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for batch")
	}
}

func TestFeed_HandleMessage_SkipsMalformedPayload(t *testing.T) {
	f, err := NewFeed(DefaultConfig(), nil, nil)
	require.NoError(t, err)

	f.handleMessage([]byte(`not json`))
	f.handleMessage([]byte(`{"timestamp": 2000}`))

	select {
	case batch := <-f.Batches():
		require.Len(t, batch.Records, 1)
		assert.Equal(t, float64(2000), batch.Records[0]["timestamp"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for batch")
	}
}
