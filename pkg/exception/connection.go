package exception

import "errors"

// Connection errors
var (
	ErrConnection           = errors.New("venue: connection failed")
	ErrConnectionClosed     = errors.New("venue: connection closed")
	ErrHeartbeatTimeout     = errors.New("venue: heartbeat timeout")
	ErrSubscriptionRejected = errors.New("venue: subscription rejected")
	ErrNotConnected         = errors.New("venue: not connected")
)
