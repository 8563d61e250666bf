//go:build !linux

package engine

import (
	"github.com/rs/zerolog"

	"agent-toollease/internal/registry"
)

// Resource caps are advisory and Linux-only; elsewhere the wall-clock
// timeout is the only enforcement.
func applyProcessLimits(pid int, tool *registry.ToolDefinition, logger zerolog.Logger) {
	if tool.Limits != (registry.ResourceLimits{}) {
		logger.Debug().Int("pid", pid).Msg("resource caps not supported on this platform")
	}
}
