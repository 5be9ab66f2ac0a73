// Package notify turns notification messages from a realtime channel into
// transient toasts.
package notify

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/leonardcser/pulse-edge/internal/channel"
	"github.com/leonardcser/pulse-edge/internal/logger"
)

type Variant string

const (
	VariantSuccess Variant = "success"
	VariantError   Variant = "error"
	VariantWarning Variant = "warning"
	VariantInfo    Variant = "info"
)

// DefaultDuration is how long a toast stays visible.
const DefaultDuration = 5 * time.Second

// ParseVariant maps a wire value onto a Variant; missing or unknown values
// become VariantInfo.
func ParseVariant(s string) Variant {
	switch v := Variant(s); v {
	case VariantSuccess, VariantError, VariantWarning, VariantInfo:
		return v
	}
	return VariantInfo
}

type Toast struct {
	Title    string
	Body     string
	Variant  Variant
	Duration time.Duration
}

type Toaster interface {
	Show(Toast)
}

// Source is the subset of channel.Channel the Notifier depends on.
type Source interface {
	Subscribe(fn func(channel.State)) func()
}

// Notifier watches a channel's last message and shows a toast for every new
// notification.
type Notifier struct {
	toaster  Toaster
	duration time.Duration

	mu      sync.Mutex
	lastSeq uint64
}

func New(t Toaster) *Notifier {
	return &Notifier{toaster: t, duration: DefaultDuration}
}

// Attach subscribes to src and returns the func that detaches again.
func (n *Notifier) Attach(src Source) func() {
	return src.Subscribe(n.observe)
}

func (n *Notifier) observe(s channel.State) {
	n.mu.Lock()
	if s.LastMessage == nil || s.Seq <= n.lastSeq {
		n.mu.Unlock()
		return
	}
	n.lastSeq = s.Seq
	n.mu.Unlock()

	msg := s.LastMessage
	if msg.Type != channel.TypeNotification {
		return
	}
	n.toaster.Show(Toast{
		Title:    msg.Title,
		Body:     msg.Message,
		Variant:  ParseVariant(msg.Variant),
		Duration: n.duration,
	})
}

// LogToaster records toasts in the log.
type LogToaster struct{}

func (LogToaster) Show(t Toast) {
	logger.Infof("toast [%s] %s: %s", t.Variant, t.Title, t.Body)
}

// WriterToaster prints one line per toast.
type WriterToaster struct {
	mu sync.Mutex
	W  io.Writer
}

func (w *WriterToaster) Show(t Toast) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.W, "%-7s %s: %s\n", t.Variant, t.Title, t.Body)
}
