package distributed

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// NewLocalWorld creates worldSize in-process workers connected to one Hub.
//
// Each returned Backend is meant to be used by its own goroutine, as if it were a separate process.
// timeout is passed to Backend.WithTimeout, use 0 for no timeout.
//
// Closing a Backend doesn't close the shared Hub: close the returned Hub when all workers are done.
func NewLocalWorld(worldSize int, timeout time.Duration) (*Hub, []*Backend, error) {
	if worldSize < 1 {
		return nil, nil, errors.Errorf("world size must be at least 1, got %d", worldSize)
	}
	hub := NewHub()
	backends := make([]*Backend, worldSize)
	for rank := range backends {
		worker, err := NewWorker(rank, worldSize)
		if err != nil {
			return nil, nil, err
		}
		backends[rank] = hub.Connect(worker).WithTimeout(timeout)
	}
	return hub, backends, nil
}

// Connect returns a Backend for worker that exchanges directly with the hub, in-process.
// Closing the Backend doesn't close the hub.
func (h *Hub) Connect(worker Worker) *Backend {
	return NewBackend(worker, localExchanger{h})
}

// localExchanger hides Hub.Close from Backend.Close.
type localExchanger struct {
	hub *Hub
}

func (l localExchanger) Exchange(ctx context.Context, c *Contribution) ([]float64, error) {
	return l.hub.Exchange(ctx, c)
}
