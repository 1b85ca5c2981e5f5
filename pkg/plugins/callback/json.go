package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/openfroyo/froyoctl/pkg/plugins"
)

// JSON writes every event as one JSON object per line.
type JSON struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSON creates the callback writing to out.
func NewJSON(out io.Writer) *JSON {
	return &JSON{enc: json.NewEncoder(out)}
}

// Events returns nil: JSON wants everything.
func (j *JSON) Events() []plugins.EventType {
	return nil
}

// OnEvent encodes ev.
func (j *JSON) OnEvent(_ context.Context, ev plugins.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(ev); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return nil
}
