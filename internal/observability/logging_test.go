package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     LogConfig
		wantErr bool
	}{
		{
			name:    "default config",
			cfg:     DefaultLogConfig(),
			wantErr: false,
		},
		{
			name:    "console format",
			cfg:     LogConfig{Level: "debug", Format: "console", Output: "stderr"},
			wantErr: false,
		},
		{
			name:    "invalid level",
			cfg:     LogConfig{Level: "shouting", Format: "json", Output: "stdout"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)

			logger.Debug("debug message", String("key", "value"))
			logger.Info("info message", Int("count", 1))
		})
	}
}

func TestLoggerWith(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(DefaultLogConfig())
	require.NoError(t, err)

	child := logger.With(String("component", "test"))
	assert.NotNil(t, child)
	child.Info("message from child")
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NopLogger()
	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("dropped")
	logger.Error("dropped")
	assert.Equal(t, logger, logger.With(String("k", "v")))
	assert.NoError(t, logger.Sync())
}
