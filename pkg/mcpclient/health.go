package mcpclient

import (
	"context"

	rcron "github.com/robfig/cron/v3"
)

// HealthChecker periodically reconciles the provider pool: each run pings
// every pooled client and restarts the unhealthy ones through the manager's
// normal start path, so it shares the single-flight guard with refreshes.
type HealthChecker struct {
	manager *Manager
	cron    *rcron.Cron
}

// NewHealthChecker schedules pool reconciliation on a cron spec, for example
// "@every 5m". Call Start to begin and Stop to halt.
func NewHealthChecker(m *Manager, spec string) (*HealthChecker, error) {
	c := rcron.New()
	h := &HealthChecker{manager: m, cron: c}
	_, err := c.AddFunc(spec, func() {
		if err := m.Start(context.Background()); err != nil {
			m.log.Warn().Err(err).Msg("mcp health check finished with errors")
		}
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Start begins the schedule.
func (h *HealthChecker) Start() { h.cron.Start() }

// Stop halts the schedule. A reconciliation already in flight finishes.
func (h *HealthChecker) Stop() {
	ctx := h.cron.Stop()
	<-ctx.Done()
}
