// Package monitor runs the chlorine monitor service in-process.
package monitor

import (
	"context"

	"chlorine-monitor/internal/tasks"
)

// Options re-exposes the tasks.Options type for external callers.
type Options = tasks.Options

// Run starts the monitor with the given options using the internal tasks implementation.
func Run(ctx context.Context, opts Options) error {
	return tasks.InitAndRunMonitor(ctx, opts)
}
