package audit

import (
	"fmt"

	"github.com/book-expert/logger"
)

const fileName = "audit.log"

// Logger records who generated what. A nil Logger discards everything.
type Logger struct {
	lg *logger.Logger
}

// New opens the audit log inside dir.
func New(dir string) (*Logger, error) {
	lg, err := logger.New(dir, fileName)
	if err != nil {
		return nil, fmt.Errorf("audit: couldn't create logger in %s: %w", dir, err)
	}
	return &Logger{lg: lg}, nil
}

func (l *Logger) Generated(user, mode, prompt, filename string) {
	if l == nil {
		return
	}
	l.lg.Info("song generated by user %s (%s): %q -> %s", user, mode, prompt, filename)
}

func (l *Logger) Failed(user, mode, prompt string, err error) {
	if l == nil {
		return
	}
	l.lg.Error("song generation failed for user %s (%s): %q: %v", user, mode, prompt, err)
}

func (l *Logger) Reference(user, kind, src string) {
	if l == nil {
		return
	}
	l.lg.Warn("reference %s replaced by %s from %s", kind, user, src)
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.lg.Close()
}
