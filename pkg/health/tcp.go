package health

import (
	"context"
	"net"
	"time"
)

// TCPChecker considers an endpoint healthy when it accepts a connection
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a checker for host:port
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: DefaultCheckTimeout}
}

// Check dials the address once
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	d := net.Dialer{Timeout: t.Timeout}
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return failed(start, "dial %s: %v", t.Address, err)
	}
	_ = conn.Close()

	return passed(start, "accepted connection on "+t.Address)
}

// Type returns CheckTypeTCP
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the dial timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
