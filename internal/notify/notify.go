// Package notify delivers short user-facing notices.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/socialchat/internal/bus"
)

// Kind classifies a notice.
type Kind string

const (
	Info    Kind = "info"
	Warning Kind = "warning"
	Error   Kind = "error"
	Message Kind = "message"
)

// KindPrefix namespaces notices on the bus: "notify.info", "notify.message", ...
const KindPrefix = "notify."

// Notice is the bus payload of a notification.
type Notice struct {
	Message string    `json:"message"`
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
}

// Sink receives notices.
type Sink interface {
	Notify(message string, kind Kind)
}

// BusSink logs each notice and republishes it on the bus so attached clients see it.
type BusSink struct {
	bus    *bus.Bus
	logger *zap.Logger
}

func NewBusSink(b *bus.Bus, logger *zap.Logger) *BusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BusSink{bus: b, logger: logger.Named("notify")}
}

func (s *BusSink) Notify(message string, kind Kind) {
	switch kind {
	case Error:
		s.logger.Error(message)
	case Warning:
		s.logger.Warn(message)
	default:
		s.logger.Info(message, zap.String("kind", string(kind)))
	}
	s.bus.Emit(KindPrefix+string(kind), Notice{Message: message, Kind: kind, At: time.Now()})
}

// Recorder keeps every notice in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(message string, kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, Notice{Message: message, Kind: kind, At: time.Now()})
}

// Notices returns a copy of what has been recorded.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Count returns how many notices of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, nt := range r.notices {
		if nt.Kind == kind {
			n++
		}
	}
	return n
}
