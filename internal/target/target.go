package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// ID identifies a monitored target. Two IDs are the same target when both
// fields match; Credentials names stored credentials and is never the secret.
type ID struct {
	URL         string `json:"url"`
	Credentials string `json:"credentials,omitempty"`
}

// ParseID validates raw as an absolute URL and returns the target ID for it.
func ParseID(raw, credentials string) (ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ID{}, errors.New("target url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ID{}, fmt.Errorf("invalid target url %q: %w", raw, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return ID{}, fmt.Errorf("target url %q must be absolute", raw)
	}
	return ID{URL: strings.TrimRight(u.String(), "/"), Credentials: credentials}, nil
}

func (id ID) String() string {
	if id.Credentials == "" {
		return id.URL
	}
	return id.URL + " (" + id.Credentials + ")"
}

// Conn is a live control connection to a target.
type Conn interface {
	// OpenRecording streams the bytes of the named in-memory recording.
	// It returns ErrRecordingNotFound when the target has no such recording.
	OpenRecording(ctx context.Context, name string) (io.ReadCloser, error)
	Close() error
}

// Connector establishes connections to targets.
type Connector interface {
	Connect(ctx context.Context, id ID) (Conn, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, id ID) (Conn, error)

func (f ConnectorFunc) Connect(ctx context.Context, id ID) (Conn, error) { return f(ctx, id) }

// ErrRecordingNotFound is returned by Conn.OpenRecording for unknown recordings.
var ErrRecordingNotFound = errors.New("recording not found on target")

// ConnectError reports that a connection to a target could not be established.
type ConnectError struct {
	Target ID
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to target %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ConnectionError reports that an established connection failed mid-operation.
// A task returning it causes the pooled connection to be invalidated.
type ConnectionError struct {
	Target ID
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("target %s: %s: %v", e.Target, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// connectionFailer is implemented by errors that know whether they mean the
// connection is broken, such as a render child reporting exit code 10.
type connectionFailer interface {
	ConnectionFailure() bool
}

// IsConnectionFailure reports whether err means the underlying connection can
// no longer be trusted. A cancelled caller says nothing about the connection.
func IsConnectionFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var cf connectionFailer
	if errors.As(err, &cf) {
		return cf.ConnectionFailure()
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}
	var cerr *ConnectError
	if errors.As(err, &cerr) {
		return true
	}
	// context.DeadlineExceeded satisfies net.Error
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
