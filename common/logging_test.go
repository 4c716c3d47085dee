package common

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// TestOutputSplitter_Routing checks the byte pattern matching used to pick
// the output stream. Stream capture itself is not exercised here.
func TestOutputSplitter_Routing(t *testing.T) {
	tests := []struct {
		name         string
		logMessage   []byte
		expectStderr bool
	}{
		{
			name:         "TextError",
			logMessage:   []byte(`time="2026-01-15T10:30:00Z" level=error msg="gateway unreachable"`),
			expectStderr: true,
		},
		{
			name:         "JSONError",
			logMessage:   []byte(`{"level":"error","msg":"gateway unreachable"}`),
			expectStderr: true,
		},
		{
			name:         "Info",
			logMessage:   []byte(`time="2026-01-15T10:30:00Z" level=info msg="sync cycle complete"`),
			expectStderr: false,
		},
		{
			name:         "Warning",
			logMessage:   []byte(`time="2026-01-15T10:30:00Z" level=warning msg="tip cache is stale"`),
			expectStderr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isError := bytes.Contains(tt.logMessage, []byte("level=error")) ||
				bytes.Contains(tt.logMessage, []byte(`"level":"error"`))
			assert.Equal(t, tt.expectStderr, isError)
		})
	}
}

func TestConfigureLogger(t *testing.T) {
	defer func() {
		Logger.SetLevel(logrus.InfoLevel)
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}()

	ConfigureLogger("debug", "text")
	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())

	ConfigureLogger("nonsense", "json")
	assert.Equal(t, logrus.InfoLevel, Logger.GetLevel())
}

func TestSecurityLogger_CarriesTag(t *testing.T) {
	entry := SecurityLogger("gun-sync")
	assert.Equal(t, "SECURITY", entry.Data["tag"])
	assert.Equal(t, "gun-sync", entry.Data["component"])
}
