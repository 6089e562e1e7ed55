package transport

import "github.com/samber/oops"

var (
	// ErrPortInUse is returned by Bind when another socket owns the port.
	ErrPortInUse = oops.Errorf("port already in use")
	// ErrPermissionDenied is returned by Bind for privileged ports.
	ErrPermissionDenied = oops.Errorf("permission denied binding port")
	// ErrClosed is returned after Close.
	ErrClosed = oops.Errorf("transport closed")
	// ErrNoPeer is returned by Send before the peer address is known.
	ErrNoPeer = oops.Errorf("peer address unknown")
	// ErrNotBound is returned by Unbind for a port that is not bound.
	ErrNotBound = oops.Errorf("port not bound")
)
