package evgrid

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"

	"github.com/natefinch/lumberjack"
)

// LogConfig selects where log messages go. With no Logfile messages go to
// stderr; otherwise they are appended to a size-rotated file.
type LogConfig struct {
	Logfile string `toml:"logfile"`
	MaxSize int    `toml:"max_log_size"` // megabytes
	MaxAge  int    `toml:"max_log_age"`  // days
	Debug   bool   `toml:"debug"`
}

var debugEnabled atomic.Bool

// SetDebug toggles DEBUG level messages
func SetDebug(on bool) { debugEnabled.Store(on) }

// DebugEnabled reports whether DEBUG level messages are written
func DebugEnabled() bool { return debugEnabled.Load() }

// SetLogger points the package logger at the configured destination. The
// returned closer releases the log file and must be closed by the caller.
func (c *LogConfig) SetLogger() io.Closer {
	if c == nil {
		return io.NopCloser(nil)
	}
	SetDebug(c.Debug)
	if c.Logfile == "" {
		log.SetOutput(os.Stderr)
		return io.NopCloser(nil)
	}
	fmt.Fprintf(os.Stderr, "Sending log messages to: %s\n", c.Logfile)
	l := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize,
		MaxAge:   c.MaxAge,
	}
	log.SetOutput(l)
	return l
}

// Debugf writes a DEBUG message when debug logging is on
func Debugf(format string, args ...interface{}) {
	if debugEnabled.Load() {
		log.Printf(" DEBUG "+format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	log.Printf(" INFO "+format, args...)
}

func Warningf(format string, args ...interface{}) {
	log.Printf(" WARNING "+format, args...)
}

func Errorf(format string, args ...interface{}) {
	log.Printf(" ERROR "+format, args...)
}
