package client

import (
	"context"
	"fmt"
)

// Finalize is the worker-side counterpart of spec.md §6.1's finalize: the
// caller's Get loop has already seen ErrShutdown (global shutdown was
// declared and this worker was told so via GetResponse.Shutdown), so
// Finalize only needs to release this worker's own Fabric handle.
func (c *Client) Finalize(ctx context.Context) error {
	return c.fabric.Close()
}

// AbortError is returned by Fail/Abort, carrying the exit code the caller
// passed (spec.md §6.4).
type AbortError struct {
	Code int
}

func (e *AbortError) Error() string { return fmt.Sprintf("client: aborted with code %d", e.Code) }

// Fail reports a non-fatal task failure with the given code (spec.md
// §6.1's fail). There is no job-wide abort broadcast wired into the sync
// protocol's tag set (spec.md's Non-goals exclude a full fault-tolerance
// story) - Fail only releases this worker's own fabric handle and returns
// an AbortError the caller's main loop is expected to propagate as its
// exit status.
func (c *Client) Fail(ctx context.Context, code int) error {
	_ = c.fabric.Close()
	return &AbortError{Code: code}
}

// Abort is Fail's harder-stop counterpart (spec.md §6.1's abort): same
// local effect, kept as a distinct call so callers can log the two cases
// differently the way the original distinguishes a reported failure from
// an unconditional abort.
func (c *Client) Abort(ctx context.Context, code int) error {
	return c.Fail(ctx, code)
}
