package datalayer

import (
	"fmt"

	"github.com/c360/fedstream/health"
	"github.com/c360/fedstream/transport"
)

// SystemName labels the aggregated health status.
const SystemName = "fedstream"

func (c *Client) registerHealthChecks() {
	c.monitor.Register("transport", c.tracked("transport", c.transportHealth))
	c.monitor.Register("pool", c.tracked("pool", c.poolHealth))
	c.monitor.Register("queue", c.tracked("queue", c.queueHealth))
	if c.relay != nil {
		c.monitor.Register("relay", c.tracked("relay", c.relayHealth))
	}
}

// tracked mirrors each check into the component health gauge.
func (c *Client) tracked(name string, check health.Checker) health.Checker {
	return func() health.Status {
		s := check()
		if c.core != nil {
			c.core.RecordHealth(name, s.IsHealthy())
		}
		return s
	}
}

// Health runs every check and returns the aggregate.
func (c *Client) Health() health.Status {
	c.monitor.Check()
	return c.monitor.AggregateHealth(SystemName)
}

// Monitor returns the health monitor the client reports into.
func (c *Client) Monitor() *health.Monitor { return c.monitor }

func (c *Client) transportHealth() health.Status {
	s := c.transport.Status()
	if c.Status() != StatusRunning {
		return health.NewDegraded("transport", "data layer "+c.Status().String())
	}

	switch s.State {
	case transport.StateConnected.String():
		return health.NewHealthy("transport", fmt.Sprintf("connected over %s", s.Protocol))
	case transport.StateConnecting.String(), transport.StateReconnecting.String():
		msg := fmt.Sprintf("%s, attempt %d", s.State, s.ReconnectAttempts)
		if s.LastError != "" {
			return health.FromError("transport", fmt.Errorf("%s: %s", msg, s.LastError), true)
		}
		return health.NewDegraded("transport", msg)
	default:
		if s.LastError != "" {
			return health.FromError("transport", fmt.Errorf("%s: %s", s.State, s.LastError), false)
		}
		return health.NewUnhealthy("transport", s.State)
	}
}

func (c *Client) poolHealth() health.Status {
	stats := c.pool.Stats()
	var down int
	for _, conn := range stats.Connections {
		if conn.State != "connected" {
			down++
		}
	}
	msg := fmt.Sprintf("%d connections, %d active", stats.TotalConnections, stats.ActiveConnections)
	if down > 0 {
		return health.NewDegraded("pool", fmt.Sprintf("%s, %d not connected", msg, down))
	}
	return health.NewHealthy("pool", msg)
}

func (c *Client) queueHealth() health.Status {
	st := c.queue.State()
	metrics := &health.Metrics{
		ErrorCount:        int(st.HandlerErrors),
		MessagesProcessed: st.Processed,
		LastActivity:      st.LastFlush,
	}
	if !st.Streaming {
		return health.NewDegraded("queue", "not streaming").WithMetrics(metrics)
	}
	return health.NewHealthy("queue", fmt.Sprintf("%d queued", st.QueueLength)).WithMetrics(metrics)
}

func (c *Client) relayHealth() health.Status {
	st := c.relay.Stats()
	metrics := &health.Metrics{
		ErrorCount:        int(st.Failed),
		MessagesProcessed: st.Published,
	}
	if st.Failed > st.Published {
		return health.NewDegraded("relay",
			fmt.Sprintf("%d of %d publishes failed", st.Failed, st.Failed+st.Published)).WithMetrics(metrics)
	}
	return health.NewHealthy("relay", fmt.Sprintf("%d published", st.Published)).WithMetrics(metrics)
}
