package events

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// LogLine is one captured log record.
type LogLine struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// logRing is the shared retention state behind all handler clones, so
// WithAttrs/WithGroup derivatives feed the same buffer and subscribers.
type logRing struct {
	mu          sync.RWMutex
	ring        []LogLine
	size        int
	pos         int
	count       int
	subscribers map[int]chan LogLine
	nextID      int
}

// LogHandler is a slog.Handler that tees records to stderr and into a ring
// buffer exposed to admin subscribers.
type LogHandler struct {
	inner  slog.Handler
	state  *logRing
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func NewLogHandler(level slog.Leveler, ringSize int) *LogHandler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &LogHandler{
		inner: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		state: &logRing{
			ring:        make([]LogLine, ringSize),
			size:        ringSize,
			subscribers: make(map[int]chan LogLine),
		},
		level: level,
	}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	attrs := make(map[string]any)
	prefix := groupPrefix(h.groups)
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})

	line := LogLine{
		Level:   r.Level.String(),
		Message: r.Message,
		Time:    r.Time,
	}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	h.state.push(line)
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{
		inner:  h.inner.WithAttrs(attrs),
		state:  h.state,
		level:  h.level,
		attrs:  append(cloneAttrs(h.attrs), attrs...),
		groups: h.groups,
	}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogHandler{
		inner:  h.inner.WithGroup(name),
		state:  h.state,
		level:  h.level,
		attrs:  cloneAttrs(h.attrs),
		groups: append(append([]string{}, h.groups...), name),
	}
}

// Subscribe registers a log listener and returns retained recent lines.
func (h *LogHandler) Subscribe() (id int, ch <-chan LogLine, recent []LogLine) {
	return h.state.subscribe()
}

func (h *LogHandler) Unsubscribe(id int) {
	h.state.unsubscribe(id)
}

func (s *logRing) push(line LogLine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring[s.pos] = line
	s.pos = (s.pos + 1) % s.size
	if s.count < s.size {
		s.count++
	}

	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

func (s *logRing) subscribe() (id int, ch <-chan LogLine, recent []LogLine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := make(chan LogLine, 64)
	id = s.nextID
	s.nextID++
	s.subscribers[id] = c

	if s.count > 0 {
		recent = make([]LogLine, s.count)
		start := (s.pos - s.count + s.size) % s.size
		for i := range s.count {
			recent[i] = s.ring[(start+i)%s.size]
		}
	}
	return id, c, recent
}

func (s *logRing) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	c := make([]slog.Attr, len(attrs))
	copy(c, attrs)
	return c
}
