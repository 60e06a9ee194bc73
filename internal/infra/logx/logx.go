package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "debug"
	}
}

// ParseLevel maps a settings string onto a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// F carries structured fields attached to a single log line.
type F map[string]any

var (
	mu       sync.RWMutex
	minLevel           = LevelWarn
	out      io.Writer = io.Discard
	secrets            = make([]string, 0)
	verbose  bool
)

// SetOutput sets the destination for logs. A nil writer discards.
func SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	mu.Lock()
	out = w
	mu.Unlock()
}

// SetMinLevel sets the minimum level to emit.
func SetMinLevel(l Level) { mu.Lock(); minLevel = l; mu.Unlock() }

// SetVerbose toggles verbose output (no truncation of large fields/messages).
func SetVerbose(v bool) { mu.Lock(); verbose = v; mu.Unlock() }

// Verbose returns whether verbose output is enabled.
func Verbose() bool { mu.RLock(); defer mu.RUnlock(); return verbose }

// RegisterSecret adds a string to be redacted in outputs.
func RegisterSecret(s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	mu.Lock()
	secrets = append(secrets, s)
	mu.Unlock()
}

// StdlogWriter wraps writes as JSON lines at a fixed level so that the
// standard library logger and bubbletea's debug log share one format.
func StdlogWriter(level Level, w io.Writer) io.Writer {
	if w == nil {
		w = os.Stderr
	}
	return &stdlogWriter{level: level, w: w}
}

type stdlogWriter struct {
	level Level
	w     io.Writer
}

func (sw *stdlogWriter) Write(p []byte) (int, error) {
	written := 0
	for _, line := range bytes.Split(p, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if err := emit(sw.w, sw.level, string(line), nil); err != nil {
			return written, err
		}
		written += len(line) + 1
	}
	return len(p), nil
}

func current() io.Writer { mu.RLock(); defer mu.RUnlock(); return out }

// Debug logs msg with structured fields.
func Debug(msg string, fields F) { _ = emit(current(), LevelDebug, msg, fields) }

// Info logs msg with structured fields.
func Info(msg string, fields F) { _ = emit(current(), LevelInfo, msg, fields) }

// Warn logs msg with structured fields.
func Warn(msg string, fields F) { _ = emit(current(), LevelWarn, msg, fields) }

// Error logs msg with structured fields.
func Error(msg string, fields F) { _ = emit(current(), LevelError, msg, fields) }

type entry struct {
	TS     string `json:"ts"`
	Level  string `json:"level"`
	Msg    string `json:"msg"`
	Fields F      `json:"fields,omitempty"`
}

func emit(w io.Writer, lvl Level, msg string, fields F) error {
	mu.RLock()
	ml := minLevel
	v := verbose
	mu.RUnlock()
	if lvl < ml {
		return nil
	}
	msg = redact(msg)
	if !v {
		msg = truncate(msg, 2*1024)
	}
	var clean F
	if len(fields) > 0 {
		// copy so callers can reuse their map
		clean = make(F, len(fields))
		for k, val := range fields {
			switch x := val.(type) {
			case string:
				x = redact(x)
				if !v {
					x = truncate(x, 2*1024)
				}
				clean[k] = x
			case error:
				clean[k] = redact(x.Error())
			default:
				clean[k] = val
			}
		}
	}
	e := entry{
		TS:     time.Now().Format(time.RFC3339Nano),
		Level:  lvl.String(),
		Msg:    msg,
		Fields: clean,
	}
	b, err := json.Marshal(e)
	if err != nil {
		_, err2 := io.WriteString(w, msg+"\n")
		return err2
	}
	b = append(b, '\n')
	mu.Lock()
	defer mu.Unlock()
	_, err = w.Write(b)
	return err
}

func redact(s string) string {
	mu.RLock()
	defer mu.RUnlock()
	for _, sec := range secrets {
		if sec == "" {
			continue
		}
		s = strings.ReplaceAll(s, sec, "[REDACTED]")
	}
	return s
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	// keep last 10 chars to aid context
	suffix := "… [truncated]"
	if limit > len(suffix)+10 {
		return s[:limit-len(suffix)-10] + suffix + s[len(s)-10:]
	}
	return s[:limit]
}
