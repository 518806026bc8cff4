// Package logging configures the global structured logger and provides
// per-tenant activity logs: plain append-only files auditing every
// automated send.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. Level falls back to info on
// an unknown value.
func Setup(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}

// ActivityLogger appends one line per automated action to a per-tenant
// file, for audit independent of the structured log stream.
type ActivityLogger struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewActivityLogger creates the log directory if needed.
func NewActivityLogger(dir string) (*ActivityLogger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating activity log directory: %w", err)
	}
	return &ActivityLogger{dir: dir, files: make(map[string]*os.File)}, nil
}

// Record appends one action line to the tenant's activity file.
func (a *ActivityLogger) Record(tenant, action, target, detail string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := a.fileLocked(tenant)
	if err != nil {
		log.Warn().Err(err).Str("tenant", tenant).Msg("opening activity log failed")
		return
	}
	line := fmt.Sprintf("[%s] %s target=%s %s\n",
		time.Now().Format("2006-01-02 15:04:05"), action, target, detail)
	if _, err := f.WriteString(line); err != nil {
		log.Warn().Err(err).Str("tenant", tenant).Msg("writing activity log failed")
	}
}

func (a *ActivityLogger) fileLocked(tenant string) (*os.File, error) {
	if f, ok := a.files[tenant]; ok {
		return f, nil
	}
	path := filepath.Join(a.dir, fmt.Sprintf("activity_%s.log", sanitize(tenant)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	a.files[tenant] = f
	return f, nil
}

// Close closes every open activity file.
func (a *ActivityLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for tenant, f := range a.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.files, tenant)
	}
	return firstErr
}

// sanitize keeps tenant-derived file names to a safe character set.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
