package config

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDataDir(t *testing.T) {
	conf := NewDefaultConfig()
	conf.SetDataDir("/tmp/btcnode_test")

	assert.Equal(t, "/tmp/btcnode_test", conf.DataDir)
	assert.Equal(t, filepath.Join("/tmp/btcnode_test", DefaultBadgerFile), conf.DatabaseDir)

	conf.DatabaseDir = "/var/db"
	conf.SetDataDir("/tmp/other")
	assert.Equal(t, "/var/db", conf.DatabaseDir)
}

func TestDefaultStoreIsPersistent(t *testing.T) {
	conf := NewDefaultConfig()
	assert.True(t, conf.Store)
	assert.Equal(t, DefaultDatabaseDir(), conf.DatabaseDir)

	assert.False(t, NewTestConfig(t, logrus.DebugLevel).Store)
}

func TestLogLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"trace": logrus.TraceLevel,
		"info":  logrus.InfoLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
		"bogus": logrus.DebugLevel,
	}
	for s, l := range cases {
		if got := LogLevel(s); got != l {
			t.Fatalf("LogLevel(%q) should be %v, not %v", s, l, got)
		}
	}
}

func TestLogFilePath(t *testing.T) {
	conf := NewDefaultConfig()
	conf.DataDir = "/data"

	assert.Empty(t, conf.LogFilePath())

	conf.LogFile = DefaultLogFile
	assert.Equal(t, filepath.Join("/data", DefaultLogFile), conf.LogFilePath())

	conf.LogFile = "/var/log/node.log"
	assert.Equal(t, "/var/log/node.log", conf.LogFilePath())
}

func TestLoggerWritesJSONFile(t *testing.T) {
	dir := t.TempDir()

	conf := NewDefaultConfig()
	conf.DataDir = dir
	conf.LogFile = DefaultLogFile
	conf.LogLevel = "debug"

	logger := conf.Logger()
	logger.Logger.Out = nopWriter{}

	logger.WithField("height", 7).Info("Tip changed")
	logger.Debug("second")

	conf.CloseLogger()

	f, err := os.Open(filepath.Join(dir, DefaultLogFile))
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}

	require.Len(t, lines, 2)
	assert.Equal(t, "Tip changed", lines[0]["msg"])
	assert.Equal(t, "btcnode", lines[0]["prefix"])
	assert.EqualValues(t, 7, lines[0]["height"])
	assert.Equal(t, "debug", lines[1]["level"])
}

type recordingHook struct {
	mtx     sync.Mutex
	block   chan struct{}
	entries []string
}

func (h *recordingHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *recordingHook) Fire(e *logrus.Entry) error {
	<-h.block
	h.mtx.Lock()
	h.entries = append(h.entries, e.Message)
	h.mtx.Unlock()
	return nil
}

func TestAsyncHookDropsWhenFull(t *testing.T) {
	rec := &recordingHook{block: make(chan struct{})}
	hook := NewAsyncHook(rec, 2)

	logger := logrus.New()
	logger.Out = nopWriter{}
	logger.AddHook(hook)

	// The writer holds the first entry, the buffer takes two more.
	for i := 0; i < 10; i++ {
		logger.Info("entry")
	}

	close(rec.block)
	hook.Close()

	rec.mtx.Lock()
	defer rec.mtx.Unlock()

	written := uint64(len(rec.entries))
	assert.Equal(t, uint64(10), written+hook.Dropped())
	assert.True(t, written >= 2 && written <= 3, "written %d", written)

	// Entries after Close are ignored.
	logger.Info("late")
	assert.Equal(t, int(written), len(rec.entries))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
