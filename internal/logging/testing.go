// pattern: Imperative Shell

package logging

import (
	"log/slog"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NopLogger returns a logger that discards all output.
func NopLogger() *ScopedLogger {
	return &ScopedLogger{slog: nil, zap: nil, scope: ""}
}

// NopProvider returns a LoggerProvider whose loggers discard all output.
func NopProvider() LoggerProvider { return nopProvider{} }

type nopProvider struct{}

func (nopProvider) For(string) *ScopedLogger { return NopLogger() }

// TestManager is a LoggerProvider for tests. It captures parsed entries
// in memory instead of writing files.
type TestManager struct {
	loggers map[string]*ScopedLogger
	mu      sync.RWMutex
	baseZap *zap.Logger

	entriesMu sync.Mutex
	entries   []Entry
}

// NewTestManager creates a manager that records every entry at debug level.
func NewTestManager() *TestManager {
	m := &TestManager{loggers: make(map[string]*ScopedLogger)}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.EpochTimeEncoder
	encoderCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(&captureSink{m: m}),
		zapcore.DebugLevel,
	)
	m.baseZap = zap.New(core)
	return m
}

// For returns a scoped logger, cached per scope like the production Manager.
func (m *TestManager) For(scope string) *ScopedLogger {
	m.mu.RLock()
	if logger, ok := m.loggers[scope]; ok {
		m.mu.RUnlock()
		return logger
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if logger, ok := m.loggers[scope]; ok {
		return logger
	}

	zapLogger := m.baseZap.Named(scope)
	logger := &ScopedLogger{
		slog:  slog.New(&zapSlogHandler{zap: zapLogger, level: zapcore.DebugLevel}),
		zap:   zapLogger,
		scope: scope,
	}
	m.loggers[scope] = logger
	return logger
}

// Entries returns a copy of everything logged so far.
func (m *TestManager) Entries() []Entry {
	m.entriesMu.Lock()
	defer m.entriesMu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

type captureSink struct {
	m *TestManager
}

func (s *captureSink) Write(p []byte) (int, error) {
	entry, err := parseEntry(p)
	if err != nil {
		return len(p), nil
	}
	s.m.entriesMu.Lock()
	s.m.entries = append(s.m.entries, entry)
	s.m.entriesMu.Unlock()
	return len(p), nil
}

func (s *captureSink) Sync() error { return nil }
