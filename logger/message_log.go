package logger

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const maxLogFileAttempts = 1000

// MessageLog records every packet a connection sends or receives to a file
// of its own. Failures to write are ignored: the log must never affect the
// connection it observes. Records made after Close are dropped.
type MessageLog struct {
	path string
	file *os.File
	log  *zap.Logger

	mu     sync.Mutex
	closed bool
}

// OpenMessageLog creates jsoncomm_<key>_<pid>_<timestamp>.log in dir, adding a
// numeric suffix when the name is taken.
func OpenMessageLog(dir, key string) (*MessageLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create message log directory: %w", err)
	}

	base := filepath.Join(dir, fmt.Sprintf("jsoncomm_%s_%d_%s", key, os.Getpid(), time.Now().Format("20060102150405")))
	path := base + ".log"
	for attempt := 1; attempt <= maxLogFileAttempts; attempt++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return newMessageLog(path, file), nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create message log: %w", err)
		}
		path = fmt.Sprintf("%s_%d.log", base, attempt)
	}
	return nil, fmt.Errorf("failed to create message log: too many files named %s*", base)
}

func newMessageLog(path string, file *os.File) *MessageLog {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(file), zapcore.DebugLevel)
	return &MessageLog{path: path, file: file, log: zap.New(core)}
}

func (m *MessageLog) Path() string {
	if m == nil {
		return ""
	}
	return m.path
}

// Sent records an outgoing packet.
func (m *MessageLog) Sent(data []byte) {
	m.write("--> " + string(data))
}

// Received records an incoming packet.
func (m *MessageLog) Received(data []byte) {
	m.write("<-- " + string(data))
}

// Failure records an error that occurred while sending or receiving.
func (m *MessageLog) Failure(err error) {
	if err == nil {
		return
	}
	m.write(fmt.Sprintf("%T: %s", err, err.Error()))
}

func (m *MessageLog) write(line string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.log.Info(line)
}

// Close flushes and closes the file. Safe to call more than once.
func (m *MessageLog) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	_ = m.log.Sync()
	return m.file.Close()
}
