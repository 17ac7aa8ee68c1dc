package logging

import (
	"context"
	"log/slog"
	"sync"
)

// ComponentKey is the attribute that names the emitting component.
const ComponentKey = "component"

// ComponentFilterHandler filters records by a per-component minimum level.
// The component is taken from attributes bound with With or, failing that,
// from the record itself. Components without an override use the default
// level. Levels can be changed at runtime and apply to every handler
// derived from the same root.
type ComponentFilterHandler struct {
	inner     slog.Handler
	state     *filterState
	component string
}

type filterState struct {
	mu     sync.RWMutex
	def    slog.Level
	levels map[string]slog.Level
}

// NewComponentFilterHandler wraps inner with a default minimum level.
func NewComponentFilterHandler(inner slog.Handler, def slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		inner: inner,
		state: &filterState{def: def, levels: make(map[string]slog.Level)},
	}
}

// SetLevel overrides the minimum level of one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.state.mu.Lock()
	h.state.levels[component] = level
	h.state.mu.Unlock()
}

// ClearLevel removes a component override.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.state.mu.Lock()
	delete(h.state.levels, component)
	h.state.mu.Unlock()
}

// Level returns the effective minimum level of a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	if l, ok := h.state.levels[component]; ok {
		return l
	}
	return h.state.def
}

func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.state.def
}

// floor is the lowest level any component currently accepts.
func (h *ComponentFilterHandler) floor() slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	lo := h.state.def
	for _, l := range h.state.levels {
		lo = min(lo, l)
	}
	return lo
}

func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.component != "" {
		if level < h.Level(h.component) {
			return false
		}
	} else if level < h.floor() {
		return false
	}
	return h.inner == nil || h.inner.Enabled(ctx, level)
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == ComponentKey {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.Level(component) {
		return nil
	}
	if h.inner == nil {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	for _, a := range attrs {
		if a.Key == ComponentKey {
			c.component = a.Value.String()
		}
	}
	if h.inner != nil {
		c.inner = h.inner.WithAttrs(attrs)
	}
	return &c
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	c := *h
	if h.inner != nil {
		c.inner = h.inner.WithGroup(name)
	}
	return &c
}
