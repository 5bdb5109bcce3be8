// Package debug provides gated diagnostic logging. Output goes to stderr
// when SAVECONTEXT_DEBUG is set, and to a rotated log file once a file sink
// is installed by the server. Tool responses never carry log output.
package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu      sync.Mutex
	enabled = os.Getenv("SAVECONTEXT_DEBUG") != ""
	sink    io.Writer
)

// Enabled reports whether debug logging is active.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled || sink != nil
}

// InstallFileSink mirrors all log output to a rotated file. Called by the
// server at startup; the CLI leaves it uninstalled.
func InstallFileSink(path string) {
	mu.Lock()
	defer mu.Unlock()
	sink = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}
}

// Logf writes a timestamped line to the active sinks. A no-op unless debug
// is enabled or a file sink is installed.
func Logf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if !enabled && sink == nil {
		return
	}
	line := fmt.Sprintf("[%s] %s\n", time.Now().Format("2006-01-02 15:04:05.000"), fmt.Sprintf(format, args...))
	if enabled {
		_, _ = os.Stderr.WriteString(line)
	}
	if sink != nil {
		_, _ = io.WriteString(sink, line)
	}
}
