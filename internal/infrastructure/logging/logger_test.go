package logging

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default", cfg: DefaultConfig()},
		{name: "development", cfg: DevelopmentConfig()},
		{name: "empty outputs", cfg: Config{Level: "warn"}},
		{name: "invalid level", cfg: Config{Level: "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger.Logger)
		})
	}
}

func TestNewFromSettingsFallsBack(t *testing.T) {
	logger := NewFromSettings("not-a-level", false)
	require.NotNil(t, logger)
	assert.Equal(t, "info", logger.Level())

	dev := NewFromSettings("", true)
	assert.Equal(t, "debug", dev.Level())
}

func TestSetLevel(t *testing.T) {
	logger := NewDefault()

	require.NoError(t, logger.SetLevel("error"))
	assert.Equal(t, "error", logger.Level())
	assert.Error(t, logger.SetLevel("bogus"))
	assert.Equal(t, "error", logger.Level())
}

func TestComponent(t *testing.T) {
	logger := NewNop()
	assert.NotNil(t, logger.Component("pool"))
}

func TestIsProduction(t *testing.T) {
	t.Setenv("ENV", "production")
	assert.True(t, IsProduction())

	require.NoError(t, os.Setenv("ENV", "dev"))
	assert.False(t, IsProduction())
}
