package logfiles

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
	"github.com/qbrc-cnap/mev-procman/pkg/logging"
)

// Totals holds cumulative capture counters for a program's output streams.
type Totals struct {
	Lines int64
	Bytes int64
}

// TotalsCallback is invoked for every captured line, for metrics.
type TotalsCallback func(programName string, stream string, bytes int)

// Collector captures a program's stdout and stderr pipes into log files with
// size-based rotation.
type Collector struct {
	programName string
	stdoutFile  string
	stderrFile  string
	maxBytes    int64
	backups     int

	logger logging.Logger

	mutex    sync.Mutex
	totals   Totals
	wg       sync.WaitGroup
	callback TotalsCallback
}

func NewCollector(programName string, stdoutFile string, stderrFile string, maxBytes int64, backups int, logger logging.Logger) *Collector {
	return &Collector{
		programName: programName,
		stdoutFile:  stdoutFile,
		stderrFile:  stderrFile,
		maxBytes:    maxBytes,
		backups:     backups,
		logger:      logger,
	}
}

// SetTotalsCallback registers a per-line callback. Must be called before Collect.
func (c *Collector) SetTotalsCallback(callback TotalsCallback) {
	c.callback = callback
}

// Collect starts collection goroutines for both pipes. A stream with an empty
// target path is drained and discarded so the process never blocks on a full
// pipe.
func (c *Collector) Collect(stdout io.ReadCloser, stderr io.ReadCloser) {
	c.startStream(stdout, "stdout", c.stdoutFile)
	c.startStream(stderr, "stderr", c.stderrFile)
}

func (c *Collector) startStream(stream io.ReadCloser, streamType string, path string) {
	if stream == nil {
		return
	}
	c.wg.Add(1)
	if path == "" {
		go func() {
			defer c.wg.Done()
			defer stream.Close()
			_, _ = io.Copy(io.Discard, stream)
		}()
		return
	}
	go c.streamReader(stream, streamType, path)
}

// Wait blocks until both streams hit EOF, which happens when the process exits.
func (c *Collector) Wait() {
	c.wg.Wait()
}

// Totals returns a snapshot of the capture counters.
func (c *Collector) Totals() Totals {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.totals
}

func (c *Collector) streamReader(stream io.ReadCloser, streamType string, path string) {
	defer c.wg.Done()
	defer stream.Close()

	writer, err := newRotatingWriter(path, c.maxBytes, c.backups)
	if err != nil {
		c.logger.Errorf("Failed to open log file, program: %s, stream: %s, path: %s, error: %v",
			c.programName, streamType, path, err)
		// Drain the pipe anyway so the process does not block on a full pipe.
		_, _ = io.Copy(io.Discard, stream)
		return
	}
	defer writer.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if err := writer.WriteLine(line); err != nil {
			c.logger.Errorf("Failed to write log line, program: %s, stream: %s, error: %v",
				c.programName, streamType, err)
			continue
		}

		c.mutex.Lock()
		c.totals.Lines++
		c.totals.Bytes += int64(len(line)) + 1
		c.mutex.Unlock()

		if c.callback != nil {
			c.callback(c.programName, streamType, len(line)+1)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warnf("Log stream read ended with error, program: %s, stream: %s, error: %v",
			c.programName, streamType, err)
	}

	c.logger.Debugf("Log stream closed, program: %s, stream: %s", c.programName, streamType)
}

// rotatingWriter appends lines to a file and rotates it once it exceeds
// maxBytes, keeping up to backups numbered backup files (file.1 is the newest).
type rotatingWriter struct {
	path     string
	maxBytes int64
	backups  int

	file *os.File
	size int64
}

func newRotatingWriter(path string, maxBytes int64, backups int) (*rotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.NewIOError("failed to create log directory", err).WithContext("path", path)
	}

	w := &rotatingWriter{
		path:     path,
		maxBytes: maxBytes,
		backups:  backups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.NewIOError("failed to open log file", err).WithContext("path", w.path)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.NewIOError("failed to stat log file", err).WithContext("path", w.path)
	}

	w.file = file
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) WriteLine(line []byte) error {
	if w.maxBytes > 0 && w.size+int64(len(line))+1 > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	n, err := w.file.Write(append(line, '\n'))
	w.size += int64(n)
	if err != nil {
		return errors.NewIOError("failed to write log file", err).WithContext("path", w.path)
	}
	return nil
}

func (w *rotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return errors.NewIOError("failed to close log file for rotation", err).WithContext("path", w.path)
	}

	if w.backups <= 0 {
		// No backups kept, truncate in place.
		if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
			return errors.NewIOError("failed to remove log file for rotation", err).WithContext("path", w.path)
		}
		return w.open()
	}

	// Shift file.N-1 -> file.N, dropping the oldest.
	oldest := fmt.Sprintf("%s.%d", w.path, w.backups)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove oldest log backup", err).WithContext("path", oldest)
	}
	for i := w.backups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", w.path, i)
		to := fmt.Sprintf("%s.%d", w.path, i+1)
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			return errors.NewIOError("failed to shift log backup", err).WithContext("path", from)
		}
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to rotate log file", err).WithContext("path", w.path)
	}

	return w.open()
}

func (w *rotatingWriter) Close() error {
	return w.file.Close()
}
