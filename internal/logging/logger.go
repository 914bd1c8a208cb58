package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level represents a logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var levelNames = [...]string{Debug: "DEBUG", Info: "INFO", Warn: "WARN", Error: "ERROR"}

var levelAliases = map[string]Level{
	"debug": Debug, "info": Info, "": Info,
	"warn": Warn, "warning": Warn, "error": Error,
}

func (l Level) String() string {
	if l < Debug || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	if l, ok := levelAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return Debug, fmt.Errorf("unsupported log level %q", s)
}

// Format controls how log entries are rendered.
type Format int

const (
	Text Format = iota
	JSON
)

var formatNames = map[string]Format{"text": Text, "": Text, "json": JSON}

func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case JSON:
		return "json"
	}
	return "unknown"
}

// ParseFormat converts a string to a Format.
func ParseFormat(s string) (Format, error) {
	if f, ok := formatNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return f, nil
	}
	return Text, fmt.Errorf("unsupported log format %q", s)
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value any
}

// Err returns the conventional field for an error value.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Logger defines leveled structured logging operations.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// Enabled reports whether entries at level are written, so hot paths
	// can skip building fields.
	Enabled(level Level) bool
	With(fields ...Field) Logger
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = New(Error+1, Text, io.Discard)
)

// Default returns the process-wide logger. Until SetDefault is called it
// discards everything.
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger. A nil logger is ignored.
func SetDefault(l Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

type baseLogger struct {
	level  Level
	format Format
	// fields bound by With; prefix is their text rendering
	fields []Field
	prefix string
	out    *log.Logger
}

// New constructs a Logger writing entries at level and above to out.
func New(level Level, format Format, out io.Writer) Logger {
	return &baseLogger{
		level:  level,
		format: format,
		out:    log.New(out, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *baseLogger) With(fields ...Field) Logger {
	child := *l
	child.fields = append(l.fields[:len(l.fields):len(l.fields)], fields...)
	child.prefix = l.prefix + renderText(fields)
	return &child
}

func (l *baseLogger) Enabled(level Level) bool { return level >= l.level }

func (l *baseLogger) Debug(msg string, fields ...Field) { l.write(Debug, msg, fields) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.write(Info, msg, fields) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.write(Warn, msg, fields) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.write(Error, msg, fields) }

func (l *baseLogger) write(level Level, msg string, fields []Field) {
	if !l.Enabled(level) {
		return
	}
	if l.format == JSON {
		l.writeJSON(level, msg, fields)
		return
	}
	l.out.Printf("[%s] %s%s%s", level, msg, l.prefix, renderText(fields))
}

// renderText formats fields as " key=value" pairs, quoting values that
// contain spaces, quotes or '='.
func renderText(fields []Field) string {
	var b strings.Builder
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		v := fmt.Sprint(f.Value)
		if v == "" || strings.ContainsAny(v, " \t\"=") {
			v = strconv.Quote(v)
		}
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

func (l *baseLogger) writeJSON(level Level, msg string, fields []Field) {
	payload := make(map[string]any, len(l.fields)+len(fields)+3)
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f.Key == "" {
				continue
			}
			// errors marshal to {} otherwise
			if err, ok := f.Value.(error); ok && err != nil {
				payload[f.Key] = err.Error()
				continue
			}
			payload[f.Key] = f.Value
		}
	}
	payload["time"] = time.Now().Format(time.RFC3339Nano)
	payload["level"] = level.String()
	payload["msg"] = msg

	data, err := json.Marshal(payload)
	if err != nil {
		l.out.Printf("[ERROR] marshal log entry %q: %v", msg, err)
		return
	}
	l.out.Print(string(data))
}
