package httpsession

import (
	"fmt"

	"github.com/wangscript007/cxxframework-go/protoerr"
)

func peerGoneErr(cause error) error {
	if cause == nil {
		return protoerr.ErrPeerGone
	}
	return fmt.Errorf("httpsession: %w: %v", protoerr.ErrPeerGone, cause)
}

func protocolErr(cause error) error {
	return fmt.Errorf("httpsession: %w: %v", protoerr.ErrProtocol, cause)
}
