package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	NoticeLevel
	ErrorLevel
)

// ParseLevel converts a textual level (as found in LOG_LEVEL) into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "notice":
		return NoticeLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}

func (l Level) tag() string {
	switch l {
	case DebugLevel:
		return "[DEBUG]  "
	case InfoLevel:
		return "[INFO]   "
	case NoticeLevel:
		return "[NOTICE] "
	default:
		return "[ERROR]  "
	}
}

// chainStyle is the prefix and colour used for messages scoped to a chain.
type chainStyle struct {
	prefix string
	color  color.Attribute
}

var chainStyles = map[uint64]chainStyle{
	1:     {"[ETH]  ", color.FgHiGreen},
	56:    {"[BSC]  ", color.FgYellow},
	137:   {"[POL]  ", color.FgMagenta},
	42161: {"[ARB]  ", color.FgHiBlue},
	43114: {"[AVA]  ", color.FgRed},
	8453:  {"[BASE] ", color.FgBlue},
	7000:  {"[ZETA] ", color.FgGreen},
}

// Logger is the logging interface shared by every component.
// The WithChain variants tag the message with the chain the intent settles on.
type Logger interface {
	Debug(format string, args ...interface{})
	DebugWithChain(chainID uint64, format string, args ...interface{})

	Info(format string, args ...interface{})
	InfoWithChain(chainID uint64, format string, args ...interface{})

	Notice(format string, args ...interface{})
	NoticeWithChain(chainID uint64, format string, args ...interface{})

	Error(format string, args ...interface{})
	ErrorWithChain(chainID uint64, format string, args ...interface{})
}

// EmptyLogger discards everything. Used by tests.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Debug(_ string, _ ...interface{})                     {}
func (l *EmptyLogger) DebugWithChain(_ uint64, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Info(_ string, _ ...interface{})                      {}
func (l *EmptyLogger) InfoWithChain(_ uint64, _ string, _ ...interface{})   {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{})                    {}
func (l *EmptyLogger) NoticeWithChain(_ uint64, _ string, _ ...interface{}) {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})                     {}
func (l *EmptyLogger) ErrorWithChain(_ uint64, _ string, _ ...interface{})  {}

// StdLogger writes through the standard log package.
type StdLogger struct {
	enableColoring bool
	level          Level
	mu             sync.Mutex
}

var _ Logger = (*StdLogger)(nil)

func NewStdLogger(enableColoring bool, level Level) *StdLogger {
	return &StdLogger{
		enableColoring: enableColoring,
		level:          level,
	}
}

// logf filters by level and prepends the level tag and the chain prefix, if any.
func (l *StdLogger) logf(level Level, chainID uint64, format string, args ...interface{}) {
	if level < l.level {
		return
	}

	prefix := ""
	if style, ok := chainStyles[chainID]; ok {
		prefix = style.prefix
		if l.enableColoring {
			prefix = color.New(style.color).Sprint(prefix)
		}
	} else if chainID != 0 {
		prefix = fmt.Sprintf("[%d] ", chainID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	log.Printf(level.tag()+prefix+format, args...)
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.logf(DebugLevel, 0, format, args...)
}

func (l *StdLogger) DebugWithChain(chainID uint64, format string, args ...interface{}) {
	l.logf(DebugLevel, chainID, format, args...)
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.logf(InfoLevel, 0, format, args...)
}

func (l *StdLogger) InfoWithChain(chainID uint64, format string, args ...interface{}) {
	l.logf(InfoLevel, chainID, format, args...)
}

func (l *StdLogger) Notice(format string, args ...interface{}) {
	l.logf(NoticeLevel, 0, format, args...)
}

func (l *StdLogger) NoticeWithChain(chainID uint64, format string, args ...interface{}) {
	l.logf(NoticeLevel, chainID, format, args...)
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.logf(ErrorLevel, 0, format, args...)
}

func (l *StdLogger) ErrorWithChain(chainID uint64, format string, args ...interface{}) {
	l.logf(ErrorLevel, chainID, format, args...)
}
