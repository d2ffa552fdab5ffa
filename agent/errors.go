package agent

import (
	"context"
	"errors"
	"net"

	"mmmagent/miner"
	"mmmagent/mmmclient"
	"mmmagent/rig"
)

// Error kinds reported when a cycle fails.
const (
	KindTransport = "transport"
	KindStatus    = "status"
	KindDecode    = "decode"
	KindOther     = "other"
)

// ErrorKind classifies a cycle error for logs and status events.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}

	var statusErr *mmmclient.StatusError
	if errors.As(err, &statusErr) {
		return KindStatus
	}
	if errors.Is(err, mmmclient.ErrDecode) || errors.Is(err, rig.ErrNoRigID) || errors.Is(err, miner.ErrInvalidOperation) {
		return KindDecode
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	return KindOther
}
