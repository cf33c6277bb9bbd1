package conversation

import (
	"errors"

	"github.com/MrWong99/voxline/pkg/audio/capture"
)

var (
	// ErrCaptureUnavailable reports that the microphone could not be opened.
	// It is fatal at start and never retried.
	ErrCaptureUnavailable = capture.ErrCaptureUnavailable

	// ErrTransport wraps network failures, malformed service messages, and
	// a service that never acknowledged the session. It is fatal; the
	// session does not reconnect.
	ErrTransport = errors.New("conversation: transport failure")

	// ErrInvalidConfig is returned through the error callback when Start is
	// given an incomplete [Config].
	ErrInvalidConfig = errors.New("conversation: invalid config")
)
