// Package logsink implements the server's structured logging: a console
// core for operator-attached terminals and a monthly-rotating file core,
// both built on go.uber.org/zap, with file rotation driven by
// gopkg.in/natefinch/lumberjack.v2 (spec.md's ambient logging stack).
package logsink

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Sink is the server's logger: it writes to stdout and to a log file that
// rotates at each calendar month boundary, named "<name>_YYYYMM.log".
// lumberjack only rotates by size or age on its own, so Sink tracks the
// current month itself and calls Rotate after swapping Filename.
type Sink struct {
	mu        sync.Mutex
	logger    *zap.SugaredLogger
	lumber    *lumberjack.Logger
	dir       string
	baseName  string
	month     time.Month
	year      int
	broadcast func(line string)
}

// New builds a Sink writing to dir/baseName_YYYYMM.log and to stdout. now
// is injected so callers control the clock rather than Sink calling
// time.Now() internally at construction.
func New(dir, baseName string, now time.Time) *Sink {
	s := &Sink{
		dir:      dir,
		baseName: baseName,
		month:    now.Month(),
		year:     now.Year(),
		broadcast: func(string) {},
	}
	s.lumber = &lumberjack.Logger{
		Filename:   s.filename(now),
		MaxSize:    50, // MB, defense in depth alongside the monthly rotation
		MaxBackups: 12,
		Compress:   true,
	}

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(s.lumber),
		zap.InfoLevel,
	)
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(zapcore.AddSync(stdoutWriter{})),
		zap.DebugLevel,
	)
	core := zapcore.NewTee(fileCore, consoleCore)
	s.logger = zap.New(core).Sugar()
	return s
}

func (s *Sink) filename(now time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%04d%02d.log", s.baseName, now.Year(), int(now.Month())))
}

// OnObserverBroadcast registers a hook invoked with every logged line so it
// can also be fanned out to connected observers (spec.md §4.10's console
// tag); by default it is a no-op.
func (s *Sink) OnObserverBroadcast(fn func(line string)) {
	s.mu.Lock()
	s.broadcast = fn
	s.mu.Unlock()
}

// Rotate checks now against the tracked month and, on a boundary, swaps the
// lumberjack Filename and forces a rotation so the new month starts a fresh
// file rather than lumberjack's own size/age-triggered rotation.
func (s *Sink) Rotate(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Month() == s.month && now.Year() == s.year {
		return
	}
	s.month = now.Month()
	s.year = now.Year()
	s.lumber.Filename = s.filename(now)
	if err := s.lumber.Rotate(); err != nil {
		s.logger.Errorf("logsink: rotate failed: %v", err)
	}
}

// Log writes a line to both stdout and the file, then fans it out to the
// observer broadcast hook, matching the teacher's "log everywhere at once"
// convention.
func (s *Sink) Log(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	s.logger.Info(line)
	s.mu.Lock()
	fn := s.broadcast
	s.mu.Unlock()
	fn(line)
}

// LogToFile writes a line to the file and stdout, skipping the observer
// broadcast — used for diagnostic detail not meant for the observers'
// console (spec.md's ambient logging stack).
func (s *Sink) LogToFile(format string, args ...any) {
	s.logger.Infof(format, args...)
}

// Sync flushes buffered log output; call on shutdown.
func (s *Sink) Sync() error {
	return s.logger.Sync()
}

type stdoutWriter struct{}

func (stdoutWriter) Write(p []byte) (int, error) {
	return fmt.Print(string(p)), nil
}
