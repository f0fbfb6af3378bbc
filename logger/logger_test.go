package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"error": zapcore.ErrorLevel,
		"2":     zapcore.Level(-2),
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLevelFlag(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithSink("test", zapcore.AddSync(&buf))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	log.AddLevelFlag(fs)
	require.NoError(t, fs.Parse([]string{"-v", "1"}))
	assert.Equal(t, zapcore.Level(-1), log.Level())

	log.V(1).Info("sending request", "seq", 3)
	log.V(2).Info("too verbose")
	log.Flush()

	out := buf.String()
	assert.Contains(t, out, "sending request")
	assert.NotContains(t, out, "too verbose")
}

func TestMessageLog(t *testing.T) {
	dir := t.TempDir()

	first, err := OpenMessageLog(dir, "conn")
	require.NoError(t, err)
	second, err := OpenMessageLog(dir, "conn")
	require.NoError(t, err)
	assert.NotEqual(t, first.Path(), second.Path(), "second log must not reuse the first file")

	first.Sent([]byte(`{"type":"request","seq":1}`))
	first.Received([]byte(`{"type":"response","seq":1}`))
	require.NoError(t, first.Close())
	require.NoError(t, second.Close())

	data, err := os.ReadFile(first.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `--> {"type":"request","seq":1}`)
	assert.Contains(t, lines[1], `<-- {"type":"response","seq":1}`)
	assert.True(t, strings.HasPrefix(filepath.Base(first.Path()), "jsoncomm_conn_"))
}

func TestNilMessageLogIsInert(t *testing.T) {
	var m *MessageLog
	m.Sent([]byte("x"))
	m.Received([]byte("x"))
	m.Failure(os.ErrClosed)
	assert.NoError(t, m.Close())
	assert.Empty(t, m.Path())
}

func TestMessageLogDropsRecordsAfterClose(t *testing.T) {
	m, err := OpenMessageLog(t.TempDir(), "closing")
	require.NoError(t, err)

	m.Sent([]byte(`{"seq":1}`))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i == 4 {
				assert.NoError(t, m.Close())
				return
			}
			m.Sent([]byte(`{"seq":2}`))
		}()
	}
	wg.Wait()
	require.NoError(t, m.Close(), "closing twice")

	m.Sent([]byte(`{"seq":3}`))
	m.Received([]byte(`{"seq":3}`))
	m.Failure(os.ErrClosed)

	data, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"seq":3`)
	assert.NotContains(t, string(data), "file already closed")
	assert.Contains(t, string(data), `--> {"seq":1}`)
}
