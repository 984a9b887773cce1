package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   LogLevel
	}{
		{name: "default config", config: Config{Level: LogLevelNormal, Format: "text"}, want: LogLevelNormal},
		{name: "verbose json", config: Config{Level: LogLevelVerbose, Format: "json"}, want: LogLevelVerbose},
		{name: "quiet config", config: Config{Level: LogLevelQuiet}, want: LogLevelQuiet},
		{name: "empty level", config: Config{}, want: LogLevelNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.config.Output = &buf

			logger, err := NewLogger(tt.config)
			require.NoError(t, err)
			assert.Equal(t, toLogrusLevel(tt.want), logger.Logrus().GetLevel())
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Level: LogLevelQuiet, Output: &buf})
	require.NoError(t, err)

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.Error("shown")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	normal, err := NewLogger(Config{Level: LogLevelNormal, Output: &buf})
	require.NoError(t, err)
	normal.Debug("debug line")
	assert.Empty(t, buf.String())

	verbose, err := NewLogger(Config{Level: LogLevelVerbose, Output: &buf})
	require.NoError(t, err)
	verbose.Debug("debug line")
	assert.Contains(t, buf.String(), "debug line")
}

func TestLogger_WithContextCarriesCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Level: LogLevelNormal, Output: &buf, Format: "json"})
	require.NoError(t, err)

	ctx := WithCorrelationID(context.Background(), "backup-42")
	assert.Equal(t, "backup-42", CorrelationID(ctx))
	assert.Equal(t, "", CorrelationID(context.Background()))

	logger.WithContext(ctx).Info("hello")
	assert.Contains(t, buf.String(), `"correlation_id":"backup-42"`)
}

func TestLogger_LogJobTransition(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Level: LogLevelNormal, Output: &buf})
	require.NoError(t, err)

	logger.LogJobTransition(context.Background(), "backup", "b1", "pending", "processing", nil)
	assert.Contains(t, buf.String(), "Job status changed")

	buf.Reset()
	logger.LogJobTransition(context.Background(), "backup", "b1", "processing", "failed", errors.New("disk full"))
	out := buf.String()
	assert.Contains(t, out, "Job failed")
	assert.Contains(t, out, "disk full")
}

func TestLogger_LogOperationStart(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Level: LogLevelNormal, Output: &buf})
	require.NoError(t, err)

	ctx := WithCorrelationID(context.Background(), "req-7")
	done := logger.LogOperationStart(ctx, "analyze_restore", map[string]interface{}{"backup_id": "b1"})
	time.Sleep(time.Millisecond)
	done(nil)
	assert.Contains(t, buf.String(), "Operation completed")
	assert.Contains(t, buf.String(), "backup_id=b1")
	assert.Contains(t, buf.String(), "req-7")

	buf.Reset()
	done = logger.LogOperationStart(context.Background(), "analyze_restore", nil)
	done(errors.New("boom"))
	assert.Contains(t, buf.String(), "Operation failed")
	assert.Contains(t, buf.String(), "boom")
}
