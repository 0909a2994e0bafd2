package worker

import (
	"context"
	"time"

	"github.com/plexusgw/plexus/internal/cooldown"
)

const sweepInterval = 60 * time.Second

// CooldownSweeper periodically drops expired cooldown entries from memory
// and storage so the table does not accumulate dead rows.
type CooldownSweeper struct {
	manager *cooldown.Manager

	// ActiveGauge, when set, receives the live cooldown count after each sweep.
	ActiveGauge func(int)
}

// NewCooldownSweeper creates a CooldownSweeper over manager.
func NewCooldownSweeper(manager *cooldown.Manager) *CooldownSweeper {
	return &CooldownSweeper{manager: manager}
}

// Name returns the worker identifier.
func (w *CooldownSweeper) Name() string { return "cooldown_sweeper" }

// Run sweeps on an interval until ctx is cancelled.
func (w *CooldownSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.manager.Sweep(ctx)
			if w.ActiveGauge != nil {
				w.ActiveGauge(len(w.manager.Active()))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
