package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel maps a level name (case-insensitive) to a LogLevel.
// "WARNING" is accepted as WARN.
func ParseLevel(s string) (LogLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, true
	case "INFO":
		return INFO, true
	case "WARN", "WARNING":
		return WARN, true
	case "ERROR":
		return ERROR, true
	case "FATAL":
		return FATAL, true
	}
	return INFO, false
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorPurple = "\033[35m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
)

var levelColors = map[LogLevel]string{
	DEBUG: colorGray,
	INFO:  colorBlue,
	WARN:  colorYellow,
	ERROR: colorRed,
	FATAL: colorPurple,
}

// sink is shared between a logger and the children created with With, so
// that they serialise writes to the same output.
type sink struct {
	mu  sync.Mutex
	out io.Writer
}

type Logger struct {
	sink       *sink
	mu         sync.RWMutex
	level      LogLevel
	prefix     string
	colorize   bool
	showCaller bool
	showTime   bool
	timeFormat string
	exit       func(int)
}

var (
	defaultLogger *Logger
	once          sync.Once
)

type Config struct {
	Level      LogLevel
	Prefix     string
	Colorize   bool
	ShowCaller bool
	ShowTime   bool
	TimeFormat string
	Output     io.Writer
}

func DefaultConfig() Config {
	return Config{
		Level:      INFO,
		Colorize:   true,
		ShowTime:   true,
		TimeFormat: "2006-01-02 15:04:05",
		Output:     os.Stderr,
	}
}

func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = "2006-01-02 15:04:05"
	}

	return &Logger{
		sink:       &sink{out: cfg.Output},
		level:      cfg.Level,
		prefix:     cfg.Prefix,
		colorize:   cfg.Colorize,
		showCaller: cfg.ShowCaller,
		showTime:   cfg.ShowTime,
		timeFormat: cfg.TimeFormat,
		exit:       os.Exit,
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return New(Config{Level: FATAL + 1, Output: io.Discard})
}

// GetLogger returns the process-wide logger. The level is read once from
// HARMONIC_LOG_LEVEL, falling back to LOG_LEVEL.
func GetLogger() *Logger {
	once.Do(func() {
		cfg := DefaultConfig()
		envLevel := os.Getenv("HARMONIC_LOG_LEVEL")
		if envLevel == "" {
			envLevel = os.Getenv("LOG_LEVEL")
		}
		if lvl, ok := ParseLevel(envLevel); ok {
			cfg.Level = lvl
		}
		if os.Getenv("NO_COLOR") != "" {
			cfg.Colorize = false
		}
		defaultLogger = New(cfg)
	})
	return defaultLogger
}

// With returns a child logger that tags every line with prefix. The child
// shares the parent's output but has its own level.
func (l *Logger) With(prefix string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p := prefix
	if l.prefix != "" {
		p = l.prefix + " " + prefix
	}
	return &Logger{
		sink:       l.sink,
		level:      l.level,
		prefix:     p,
		colorize:   l.colorize,
		showCaller: l.showCaller,
		showTime:   l.showTime,
		timeFormat: l.timeFormat,
		exit:       l.exit,
	}
}

func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) Level() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.Level()
}

func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.out = w
}

func (l *Logger) SetColorize(colorize bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.colorize = colorize
}

func (l *Logger) SetShowCaller(show bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.showCaller = show
}

func (l *Logger) format(level LogLevel, msg string, args ...any) string {
	var b strings.Builder

	if l.showTime {
		b.WriteString(time.Now().Format(l.timeFormat))
		b.WriteByte(' ')
	}

	tag := "[" + level.String() + "]"
	if l.colorize {
		tag = levelColors[level] + tag + colorReset
	}
	b.WriteString(tag)

	if l.showCaller {
		// skip format, log and the level method
		if _, file, line, ok := runtime.Caller(3); ok {
			if idx := strings.LastIndex(file, "/"); idx >= 0 {
				file = file[idx+1:]
			}
			fmt.Fprintf(&b, " %s:%d", file, line)
		}
	}

	if l.prefix != "" {
		b.WriteByte(' ')
		b.WriteString(l.prefix)
	}

	b.WriteByte(' ')
	if len(args) > 0 {
		fmt.Fprintf(&b, msg, args...)
	} else {
		b.WriteString(msg)
	}
	return b.String()
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	l.mu.RLock()
	if level < l.level {
		l.mu.RUnlock()
		return
	}
	line := l.format(level, msg, args...)
	exit := l.exit
	l.mu.RUnlock()

	l.sink.mu.Lock()
	fmt.Fprintln(l.sink.out, line)
	l.sink.mu.Unlock()

	if level == FATAL {
		exit(1)
	}
}

func (l *Logger) Debugf(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(ERROR, format, args...) }

// Fatalf logs at FATAL and exits the process.
func (l *Logger) Fatalf(format string, args ...any) { l.log(FATAL, format, args...) }

// ErrorTrace logs err at ERROR followed by its stack trace. Errors that do
// not carry one yet get the trace of the caller.
func (l *Logger) ErrorTrace(msg string, err error) { l.log(ERROR, "%s\n%s", msg, trace(err)) }

// FatalTrace is ErrorTrace at FATAL; it exits the process.
func (l *Logger) FatalTrace(msg string, err error) { l.log(FATAL, "%s\n%s", msg, trace(err)) }

func trace(err error) string {
	if err == nil {
		return "<nil>"
	}
	if xerrors.StackTrace(err) == nil {
		// skip trace and the ErrorTrace/FatalTrace method
		err = xerrors.WithStackTrace(err, 2)
	}
	return strings.TrimRight(xerrors.Sprint(err), "\n")
}

// Package-level helpers on the default logger.

func Debugf(format string, args ...any) { GetLogger().Debugf(format, args...) }
func Infof(format string, args ...any)  { GetLogger().Infof(format, args...) }
func Warnf(format string, args ...any)  { GetLogger().Warnf(format, args...) }
func Errorf(format string, args ...any) { GetLogger().Errorf(format, args...) }
func Fatalf(format string, args ...any) { GetLogger().Fatalf(format, args...) }

func ErrorTrace(msg string, err error) { GetLogger().ErrorTrace(msg, err) }
func FatalTrace(msg string, err error) { GetLogger().FatalTrace(msg, err) }

func SetLevel(level LogLevel)     { GetLogger().SetLevel(level) }
func SetOutput(w io.Writer)       { GetLogger().SetOutput(w) }
func SetColorize(colorize bool)   { GetLogger().SetColorize(colorize) }
func SetShowCaller(show bool)     { GetLogger().SetShowCaller(show) }
func With(prefix string) *Logger  { return GetLogger().With(prefix) }
