package notifier

import (
	"fmt"
	"log/slog"
	"strings"
)

// Notifier abstracts where audit lines go (console today, chat/e-mail later).
type Notifier interface {
	Notify(subject, message string) error
}

type ConsoleNotifier struct {
	log *slog.Logger
}

func NewConsole(log *slog.Logger) *ConsoleNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &ConsoleNotifier{log: log}
}

func (c *ConsoleNotifier) Notify(subject, message string) error {
	c.log.Info(fmt.Sprintf("[audit] %s :: %s", subject, message))
	return nil
}

// MaskPhone keeps the country code, area code and last four digits.
func MaskPhone(p string) string {
	if len(p) <= 8 {
		return p
	}
	return p[:4] + strings.Repeat("*", len(p)-8) + p[len(p)-4:]
}
