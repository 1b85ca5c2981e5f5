package plugins

import (
	"context"
	"fmt"
	"sync"
)

// Handle binds a plugin implementation to its lifetime. Sessions opened
// through a handle hold a reference; the plugin is unloaded only after Close
// was requested and the last session is closed.
type Handle struct {
	desc   Descriptor
	impl   interface{}
	module *wasmModule

	mu      sync.Mutex
	refs    int
	closing bool
	closed  bool
	onClose func(error)
}

func newHandle(desc Descriptor, impl interface{}, module *wasmModule) *Handle {
	return &Handle{desc: desc, impl: impl, module: module}
}

// Descriptor returns the plugin's descriptor.
func (h *Handle) Descriptor() Descriptor {
	return h.desc
}

// Connection returns the plugin as a ConnectionPlugin whose sessions are
// reference counted against h.
func (h *Handle) Connection() (ConnectionPlugin, bool) {
	c, ok := h.impl.(ConnectionPlugin)
	if !ok {
		return nil, false
	}
	return &countedConnection{handle: h, inner: c}, true
}

// Shell returns the plugin as a ShellPlugin.
func (h *Handle) Shell() (ShellPlugin, bool) {
	s, ok := h.impl.(ShellPlugin)
	return s, ok
}

// Callback returns the plugin as a CallbackPlugin.
func (h *Handle) Callback() (CallbackPlugin, bool) {
	c, ok := h.impl.(CallbackPlugin)
	return c, ok
}

// Refs returns the number of live sessions.
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Closed reports whether the plugin has been unloaded or its guest was
// terminated.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed || (h.module != nil && h.module.terminated())
}

func (h *Handle) acquire() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing || h.closed {
		return fmt.Errorf("plugin %s is closed", h.desc.Key())
	}
	h.refs++
	return nil
}

func (h *Handle) release() {
	h.mu.Lock()
	h.refs--
	unload := h.closing && h.refs == 0 && !h.closed
	if unload {
		h.closed = true
	}
	h.mu.Unlock()

	if unload {
		err := h.unload(context.Background())
		if h.onClose != nil {
			h.onClose(err)
		}
	}
}

// Close requests unloading. With live sessions it returns immediately and
// the last session's Close unloads the plugin.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closing || h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closing = true
	if h.refs > 0 {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	return h.unload(ctx)
}

func (h *Handle) unload(ctx context.Context) error {
	var firstErr error
	if c, ok := h.impl.(Closer); ok {
		if err := c.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close plugin %s: %w", h.desc.Key(), err)
		}
	}
	if h.module != nil {
		if err := h.module.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type countedConnection struct {
	handle *Handle
	inner  ConnectionPlugin
}

func (c *countedConnection) Open(ctx context.Context, target Target) (Session, error) {
	if err := c.handle.acquire(); err != nil {
		return nil, err
	}
	s, err := c.inner.Open(ctx, target)
	if err != nil {
		c.handle.release()
		return nil, err
	}
	return &countedSession{Session: s, release: c.handle.release}, nil
}

type countedSession struct {
	Session
	once    sync.Once
	release func()
}

func (s *countedSession) Close() error {
	var err error
	s.once.Do(func() {
		err = s.Session.Close()
		s.release()
	})
	return err
}
