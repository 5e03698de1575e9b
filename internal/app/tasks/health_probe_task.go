package tasks

import (
	"context"
	"fmt"
	"time"
)

const probeTimeout = 5 * time.Second

// newHealthProbeTask creates the scheduled task that pings the store and
// snapshots the bus connection. Event-driven failures have no synchronous
// caller, so this log line and DLQ depth are what an operator has.
func newHealthProbeTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "health_probe")

	return func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		health := deps.Bus.Health()
		storeErr := deps.Store.Ping(probeCtx)

		if storeErr != nil {
			log.ErrorContext(ctx, "Store ping failed",
				"error", storeErr,
				"bus_connected", health.Connected,
				"bus_disabled", health.Disabled)
			return fmt.Errorf("store ping failed: %w", storeErr)
		}

		if !health.Connected && !health.Disabled {
			log.WarnContext(ctx, "Broker disconnected", "bus_error", health.Error)
			return fmt.Errorf("broker disconnected: %s", health.Error)
		}

		log.DebugContext(ctx, "Health probe ok",
			"bus_connected", health.Connected, "bus_disabled", health.Disabled)
		return nil
	}
}
