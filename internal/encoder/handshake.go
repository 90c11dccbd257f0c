package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmylchreest/encoderd/internal/hwcodec"
)

// handshake matches command-complete events to the command that asked for
// them. Each pending state-set owns a single-slot channel; an event with no
// pending command is stale and dropped.
type handshake struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[hwcodec.State]chan hwcodec.Event
}

func newHandshake(logger *slog.Logger) *handshake {
	return &handshake{
		logger:  logger,
		pending: make(map[hwcodec.State]chan hwcodec.Event),
	}
}

// expect registers interest in reaching state. It must be called before the
// command is sent so a fast completion cannot be missed.
func (h *handshake) expect(state hwcodec.State) (<-chan hwcodec.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.pending[state]; busy {
		return nil, fmt.Errorf("transition to %s already pending", state)
	}
	ch := make(chan hwcodec.Event, 1)
	h.pending[state] = ch
	return ch, nil
}

func (h *handshake) cancel(state hwcodec.State) {
	h.mu.Lock()
	delete(h.pending, state)
	h.mu.Unlock()
}

// deliver hands ev to its waiter. It never blocks.
func (h *handshake) deliver(ev hwcodec.Event) bool {
	h.mu.Lock()
	ch, ok := h.pending[ev.State]
	delete(h.pending, ev.State)
	h.mu.Unlock()

	if !ok {
		h.logger.Warn("dropping stale state confirmation", slog.String("state", ev.State.String()))
		return false
	}
	ch <- ev
	return true
}

func (h *handshake) wait(ctx context.Context, state hwcodec.State, ch <-chan hwcodec.Event) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		h.cancel(state)
		return fmt.Errorf("waiting for %s: %w", state, ctx.Err())
	}
}
