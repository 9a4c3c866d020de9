package logger

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{"notice", NoticeLevel, false},
		{" error ", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStdLoggerFiltersByLevel(t *testing.T) {
	buf := captureLog(t)
	l := NewStdLogger(false, NoticeLevel)

	l.Debug("hidden debug")
	l.Info("hidden info")
	l.Notice("shown notice %d", 1)
	l.Error("shown error")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[NOTICE] shown notice 1")
	assert.Contains(t, out, "[ERROR]  shown error")
}

func TestStdLoggerChainPrefix(t *testing.T) {
	buf := captureLog(t)
	l := NewStdLogger(false, DebugLevel)

	l.InfoWithChain(8453, "intent created")
	l.InfoWithChain(999, "unknown chain")
	l.InfoWithChain(0, "no chain")

	out := buf.String()
	assert.Contains(t, out, "[INFO]   [BASE] intent created")
	assert.Contains(t, out, "[INFO]   [999] unknown chain")
	assert.Contains(t, out, "[INFO]   no chain")
}
