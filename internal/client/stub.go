package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// StubGateway simulates a successful gateway without touching the network.
type StubGateway struct {
	delay time.Duration
}

func NewStubGateway(delay time.Duration) *StubGateway {
	return &StubGateway{delay: delay}
}

func (g *StubGateway) Send(ctx context.Context, destination, _ string) (string, error) {
	if g.delay > 0 {
		t := time.NewTimer(g.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}

	id := "stub-" + uuid.NewString()
	slog.Debug("stub gateway send", "destination", destination, "remote_id", id)
	return id, nil
}
