package conn

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ErrConnectionClosed is returned to every thread waiting on a response
// or attempting a new request once the connection's open flag is false.
var ErrConnectionClosed = xerrors.New("conn: connection closed")

// RemoteException is raised in the caller of SendRequest when an
// exception frame arrives from the peer.
type RemoteException struct {
	Value interface{}
}

func (e *RemoteException) Error() string {
	return fmt.Sprintf("conn: remote exception: %v", e.Value)
}

// FatalExit is returned by a request handler to request that the
// process exit. The exit code is sent to the peer as a normal response
// before the error is propagated locally.
type FatalExit struct {
	Code interface{}
}

func (e *FatalExit) Error() string {
	return fmt.Sprintf("conn: fatal exit requested with code %v", e.Code)
}

// ProtocolInvariantViolation marks an internal consistency check that
// failed. A response or syncrequest arriving with no outstanding handler
// closes the connection; a malformed syncrequest envelope or a request
// code with no registered handler is reported as this error without
// closing it.
type ProtocolInvariantViolation struct {
	Reason string
}

func (e *ProtocolInvariantViolation) Error() string {
	return fmt.Sprintf("conn: protocol invariant violation: %s", e.Reason)
}
