package session

import "errors"

var (
	// ErrState marks an illegal lifecycle transition. The session is left
	// exactly as it was.
	ErrState = errors.New("illegal session state transition")

	// ErrProviderBusy is returned when the provider already has a live
	// session.
	ErrProviderBusy = errors.New("provider is busy with another session")

	// ErrValidation marks a request rejected before touching any state.
	ErrValidation = errors.New("invalid request")
)
