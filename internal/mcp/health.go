package mcp

import (
	"context"
	"time"
)

// StartHealthCheck starts the background health check. It returns
// false if the check is already running.
func (m *Manager) StartHealthCheck(ctx context.Context) bool {
	return m.health.Start(ctx)
}

// StopHealthCheck stops the background health check and waits for an
// in-progress round to finish. It is a no-op when not running.
func (m *Manager) StopHealthCheck() {
	m.health.Stop()
}

// HealthCheckRunning reports whether the background health check is active.
func (m *Manager) HealthCheckRunning() bool {
	return m.health.Running()
}

// CheckHealth runs one health-check round immediately. A round only
// pings; tool lists change only through a (re)connect or RefreshTools.
func (m *Manager) CheckHealth(ctx context.Context) {
	_ = m.checkHealth(ctx)
}

// checkHealth pings every live session. A failed ping tears the
// session down and withdraws its tools; auto-restart servers are
// reconnected right away, and retried on later rounds if that fails.
func (m *Manager) checkHealth(ctx context.Context) error {
	for _, name := range m.serverNames() {
		if ctx.Err() != nil {
			return nil
		}

		m.mu.RLock()
		cfg := m.configs[name]
		c := m.clients[name]
		pending := m.restart[name]
		m.mu.RUnlock()

		switch {
		case c != nil:
			m.checkServer(ctx, cfg, c)
		case pending:
			m.retryRestart(ctx, cfg)
		}
	}
	return nil
}

// checkServer pings one session. A session that already failed a
// request counts as a failed ping without another round trip.
func (m *Manager) checkServer(ctx context.Context, cfg ServerConfig, c *Client) {
	err := c.Ping(ctx)
	now := time.Now()

	if err == nil {
		m.mu.Lock()
		if m.clients[cfg.Name] == c {
			st := m.status[cfg.Name]
			st.connected = true
			st.lastCheck = now
			st.err = ""
		}
		m.mu.Unlock()
		return
	}

	m.logger.Warn("MCP health check failed",
		"mcp_server", cfg.Name,
		"auto_restart", cfg.AutoRestart,
		"error", err,
	)

	lock := m.serverLock(cfg.Name)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if m.clients[cfg.Name] != c {
		// Reconnected or disconnected while we were pinging.
		m.mu.Unlock()
		return
	}
	delete(m.clients, cfg.Name)
	m.registry.RemoveServer(cfg.Name)
	st := m.status[cfg.Name]
	st.connected = false
	st.lastCheck = now
	st.err = err.Error()
	st.toolsCount = 0
	m.mu.Unlock()

	m.stopClient(c)
	m.record(ctx, StatusEvent{
		Server:    cfg.Name,
		Kind:      EventHealth,
		SessionID: c.SessionID(),
		Error:     err.Error(),
		At:        now,
	})

	if cfg.AutoRestart {
		m.restartLocked(ctx, cfg)
	}
}

// retryRestart retries an auto-restart server whose previous
// reconnect failed.
func (m *Manager) retryRestart(ctx context.Context, cfg ServerConfig) {
	lock := m.serverLock(cfg.Name)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	still := m.restart[cfg.Name] && m.clients[cfg.Name] == nil
	m.mu.RUnlock()
	if !still {
		return
	}
	m.restartLocked(ctx, cfg)
}

// restartLocked reconnects cfg with a fresh client. Caller must hold
// the server lock.
func (m *Manager) restartLocked(ctx context.Context, cfg ServerConfig) {
	m.logger.Info("restarting MCP server", "mcp_server", cfg.Name)

	c, err := m.dial(ctx, cfg)
	if m.commit(ctx, cfg.Name, c, err) {
		m.logger.Info("MCP server restarted", "mcp_server", cfg.Name, "tools", len(c.Tools()))
		return
	}

	m.mu.Lock()
	if cur, ok := m.configs[cfg.Name]; ok && cur.Enabled && cur.AutoRestart {
		m.restart[cfg.Name] = true
	}
	m.mu.Unlock()
}
