package chatsync

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

// Notifier is the user-facing message surface (a toast area, a status line).
type Notifier interface {
	// Dismiss clears whatever notification is currently shown.
	Dismiss()
	Error(msg string)
	Success(msg string)
}

// LogNotifier writes notifications to the logger. It is the default.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logging.WithComponent("notify")}
}

func (n *LogNotifier) Dismiss()           {}
func (n *LogNotifier) Error(msg string)   { n.log.Error().Msg(msg) }
func (n *LogNotifier) Success(msg string) { n.log.Info().Msg(msg) }

// reporter shows each failure once: the previous notification is dismissed
// before the new one is raised.
type reporter struct {
	mu sync.Mutex
	n  Notifier
}

func (r *reporter) report(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n.Dismiss()
	r.n.Error(UserMessage(err))
}

func (r *reporter) success(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n.Dismiss()
	r.n.Success(msg)
}
