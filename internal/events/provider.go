// Package events selects the event bus backend for a process.
package events

import (
	"fmt"
	"strings"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/config"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/events/bus"
)

// Provide builds the configured event bus: NATS when nats.url is set,
// the in-process bus otherwise. cleanup closes whichever was built.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
