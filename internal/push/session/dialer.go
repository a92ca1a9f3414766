package session

import (
	"context"

	"github.com/nerrad567/devicecloud/internal/push/conn"
)

// NewConnDialer returns a Dialer that opens real push connections. The
// monitor id passed to Dial replaces cfg.MonitorID.
func NewConnDialer(cfg conn.Config) Dialer {
	return DialerFunc(func(ctx context.Context, monitorID string) (Conn, error) {
		c := cfg
		c.MonitorID = monitorID
		pc, err := conn.Open(ctx, c)
		if err != nil {
			return nil, err
		}
		return pc, nil
	})
}
