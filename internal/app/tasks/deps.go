// Package tasks implements the scheduled maintenance tasks of the courier
// process: task definitions, dependencies, and registration.
package tasks

import (
	"log/slog"

	"github.com/chatwire/courier/internal/broker"
	"github.com/chatwire/courier/internal/database"
)

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger *slog.Logger
	Store  database.Store
	Bus    broker.EventBus
}
