package natsclient

import (
	"context"

	"github.com/c360/dataplane/health"
)

// HealthChecker reports the connection state. Reconnecting is degraded.
func (c *Client) HealthChecker() health.Checker {
	return health.CheckFunc{Component: "nats", Fn: func(context.Context) health.Status {
		switch s := c.Status(); s {
		case StatusConnected:
			return health.Healthy("nats", "connected")
		case StatusReconnecting, StatusConnecting:
			return health.Degraded("nats", s.String())
		default:
			return health.Unhealthy("nats", s.String())
		}
	}}
}
