package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWriters_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	outW, errW, err := cfg.ProcessWriters("echo-server")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)

	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)

	_, err = os.Stat(filepath.Join(dir, "echo-server.stdout.log"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "echo-server.stderr.log"))
	assert.NoError(t, err)
}

func TestProcessWriters_Defaults(t *testing.T) {
	cfg := Config{File: FileConfig{StdoutPath: filepath.Join(t.TempDir(), "out.log")}}
	outW, errW, err := cfg.ProcessWriters("w")
	require.NoError(t, err)
	assert.Nil(t, errW)
	l, ok := outW.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)
}

func TestProcessWriters_NoDestination(t *testing.T) {
	outW, errW, err := Config{}.ProcessWriters("w")
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)
}

func TestProcessWriters_RejectsPathName(t *testing.T) {
	_, _, err := Config{File: FileConfig{Dir: t.TempDir()}}.ProcessWriters("../escape")
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil, false)).With("host", "laptop-1")
	l.Warn("heartbeat late")
	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "heartbeat late")
	assert.Contains(t, out, "host=laptop-1")
	assert.NotContains(t, out, "time=")
}

func TestNew_WritesDaemonFile(t *testing.T) {
	dir := t.TempDir()
	l, closer := New(Config{Format: "json", File: FileConfig{Dir: dir}}, "fleetr-agent")
	l.Info("started")
	require.NoError(t, closer.Close())
	data, err := os.ReadFile(filepath.Join(dir, "fleetr-agent.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"started"`)
}
