package logfiles

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/qbrc-cnap/mev-procman/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logging.Logger {
	return logging.NewLogger("test: ", logging.LogFuncs{})
}

type pipePair struct {
	reader io.ReadCloser
	writer io.WriteCloser
}

func newPipePair(t *testing.T) pipePair {
	t.Helper()
	reader, writer, err := os.Pipe()
	require.NoError(t, err)
	return pipePair{reader: reader, writer: writer}
}

func TestCollectorCapturesBothStreams(t *testing.T) {
	tmpDir := t.TempDir()
	stdoutFile := filepath.Join(tmpDir, "out.log")
	stderrFile := filepath.Join(tmpDir, "err.log")

	stdout := newPipePair(t)
	stderr := newPipePair(t)

	collector := NewCollector("redis", stdoutFile, stderrFile, 0, 0, testLogger())
	collector.Collect(stdout.reader, stderr.reader)

	_, err := stdout.writer.Write([]byte("ready to accept connections\n"))
	require.NoError(t, err)
	_, err = stderr.writer.Write([]byte("warning: overcommit_memory\n"))
	require.NoError(t, err)

	stdout.writer.Close()
	stderr.writer.Close()
	collector.Wait()

	outContent, err := os.ReadFile(stdoutFile)
	require.NoError(t, err)
	assert.Equal(t, "ready to accept connections\n", string(outContent))

	errContent, err := os.ReadFile(stderrFile)
	require.NoError(t, err)
	assert.Equal(t, "warning: overcommit_memory\n", string(errContent))

	totals := collector.Totals()
	assert.Equal(t, int64(2), totals.Lines)
	assert.Equal(t, int64(len(outContent)+len(errContent)), totals.Bytes)
}

func TestCollectorRotatesBySize(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "app.log")

	stdout := newPipePair(t)

	// 40 byte cap with 2 backups: three 20-byte lines force a rotation.
	collector := NewCollector("app", logFile, "", 40, 2, testLogger())
	collector.Collect(stdout.reader, nil)

	line := strings.Repeat("x", 19) + "\n"
	for i := 0; i < 3; i++ {
		_, err := stdout.writer.Write([]byte(line))
		require.NoError(t, err)
	}
	stdout.writer.Close()
	collector.Wait()

	assert.FileExists(t, logFile)
	assert.FileExists(t, logFile+".1")

	totals := collector.Totals()
	assert.Equal(t, int64(3), totals.Lines)
}

func TestCollectorTotalsCallback(t *testing.T) {
	tmpDir := t.TempDir()
	stdout := newPipePair(t)

	var gotProgram, gotStream string
	var gotBytes int

	collector := NewCollector("worker", filepath.Join(tmpDir, "w.log"), "", 0, 0, testLogger())
	collector.SetTotalsCallback(func(programName string, stream string, bytes int) {
		gotProgram = programName
		gotStream = stream
		gotBytes += bytes
	})
	collector.Collect(stdout.reader, nil)

	_, err := stdout.writer.Write([]byte("hello\n"))
	require.NoError(t, err)
	stdout.writer.Close()
	collector.Wait()

	assert.Equal(t, "worker", gotProgram)
	assert.Equal(t, "stdout", gotStream)
	assert.Equal(t, 6, gotBytes)
}

func TestCollectorEmptyTargetDrainsNothing(t *testing.T) {
	stdout := newPipePair(t)

	collector := NewCollector("quiet", "", "", 0, 0, testLogger())
	collector.Collect(stdout.reader, nil)
	stdout.writer.Close()
	collector.Wait()

	assert.Equal(t, int64(0), collector.Totals().Lines)
}
