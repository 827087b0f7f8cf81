package gtp

import (
	"errors"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// ErrAlreadyExists is returned by TunnelCreate when a tunnel already
// exists for the requested (local_bind_addr, rx_teid) pair.
var ErrAlreadyExists = errors.New("tunnel already exists")

// ErrNotFound is returned by TunnelDestroy when no tunnel matches the
// requested (local_bind_addr, rx_teid) pair.
var ErrNotFound = errors.New("tunnel not found")

// fatal logs an unrecoverable data-plane I/O error and terminates the
// process: the daemon chooses crash-over-corrupt for unrecoverable
// dataplane I/O rather than continuing with a worker in an unknown
// state.
func fatal(logger log.Logger, msg string, err error) {
	level.Error(logger).Log("msg", msg, "error", err)
	os.Exit(1)
}
