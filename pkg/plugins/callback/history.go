package callback

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/froyoctl/pkg/plugins"
	"github.com/openfroyo/froyoctl/pkg/stores"
)

// History records runs and host outcomes in a run store. The store is opened
// on the first run_start, so registering the callback costs nothing when no
// run uses it.
type History struct {
	mu     sync.Mutex
	open   func(ctx context.Context) (stores.Store, error)
	store  stores.Store
	closed bool
}

// NewHistory creates the callback backed by the sqlite database at path.
func NewHistory(path string) *History {
	return &History{open: func(ctx context.Context) (stores.Store, error) {
		s, err := stores.NewSQLiteStore(stores.Config{Path: path})
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}}
}

// NewHistoryWithStore creates the callback on an already opened store.
func NewHistoryWithStore(s stores.Store) *History {
	return &History{store: s}
}

// Events returns the events History persists.
func (h *History) Events() []plugins.EventType {
	return []plugins.EventType{
		plugins.EventRunStart,
		plugins.EventHostOK,
		plugins.EventHostFailed,
		plugins.EventHostUnreachable,
		plugins.EventHostSkipped,
		plugins.EventHostCancelled,
		plugins.EventRunEnd,
	}
}

// OnEvent persists ev.
func (h *History) OnEvent(ctx context.Context, ev plugins.Event) error {
	s, err := h.storeFor(ctx)
	if err != nil {
		return err
	}

	switch ev.Type {
	case plugins.EventRunStart:
		return s.CreateRun(ctx, &stores.Run{
			ID:        ev.RunID,
			Pattern:   ev.Pattern,
			Module:    ev.Module,
			Args:      ev.Args,
			Status:    stores.RunStatusRunning,
			HostCount: len(ev.Hosts),
			StartedAt: ev.Time,
		})
	case plugins.EventRunEnd:
		return s.CompleteRun(ctx, ev.RunID, stores.RunStatus(ev.Status), ev.Stats)
	default:
		return s.AppendHostResult(ctx, &stores.HostResult{
			RunID:      ev.RunID,
			Host:       ev.Host,
			Status:     ev.Status,
			RC:         ev.RC,
			Stdout:     ev.Stdout,
			Stderr:     ev.Stderr,
			Error:      ev.Error,
			ErrorCode:  ev.ErrorCode,
			DurationMS: ev.Duration.Milliseconds(),
			CreatedAt:  ev.Time,
		})
	}
}

func (h *History) storeFor(ctx context.Context) (stores.Store, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("history callback is closed")
	}
	if h.store != nil {
		return h.store, nil
	}
	s, err := h.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	h.store = s
	return s, nil
}

// Close closes the store.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.store == nil {
		return nil
	}
	return h.store.Close()
}
