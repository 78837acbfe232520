package types

import (
	"errors"
	"fmt"
)

// Sentinel errors form the failure taxonomy shared by all components.
// Callers branch on them with errors.Is.
var (
	// ErrNotFound reports an absent bot, conversation, or job.
	ErrNotFound = errors.New("not found")

	// ErrConfigInvalid reports a bot whose stored configuration cannot
	// produce a working agent (for example, no default model config).
	ErrConfigInvalid = errors.New("configuration invalid")

	// ErrConfigMissing reports missing stored settings, such as a channel
	// started without a channel config row.
	ErrConfigMissing = errors.New("configuration missing")

	// ErrNotInitialized reports an agent used before construction finished.
	ErrNotInitialized = errors.New("agent not initialized")

	// ErrUnknownChannelType reports a channel type with no registered factory.
	ErrUnknownChannelType = errors.New("unknown channel type")

	// ErrUnknownPlugin reports a plugin id with no registered plugin.
	ErrUnknownPlugin = errors.New("unknown plugin")

	// ErrCronInvalid reports an unparsable cron expression.
	ErrCronInvalid = errors.New("invalid cron expression")
)

// UpstreamError wraps a model-provider or channel-SDK failure with the
// name of the upstream that produced it. The wrapped error is preserved
// for errors.Is / errors.As.
type UpstreamError struct {
	Upstream string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Upstream, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// NewUpstreamError wraps err as a failure of the named upstream.
// It returns nil when err is nil.
func NewUpstreamError(upstream string, err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{Upstream: upstream, Err: err}
}
