package persona

import "errors"

var (
	// ErrNotFound indicates a referenced persona or operation does not exist.
	ErrNotFound = errors.New("persona not found")
	// ErrDuplicateID indicates create was called for an id already in use.
	ErrDuplicateID = errors.New("persona already exists")
	// ErrMissingContext indicates the scope needs a conversation or session id
	// that the caller did not supply.
	ErrMissingContext = errors.New("missing conversation context")
	// ErrInvalidPayloadKind indicates the follow-up message does not carry the
	// kind of content the pending operation waits for.
	ErrInvalidPayloadKind = errors.New("invalid payload kind")
	// ErrNoActiveOperation indicates nothing is pending for the key, or the
	// pending operation expired.
	ErrNoActiveOperation = errors.New("no active operation")
	// ErrEmptyPayload marks status-only events (typing, read receipts) that
	// carry no content. The pending operation stays open.
	ErrEmptyPayload = errors.New("empty payload")
	ErrEmptyPrompt  = errors.New("persona prompt is empty")
	ErrPersistence  = errors.New("persistence failure")

	ErrSyncUnavailable = errors.New("identity sync unavailable")
	ErrRemote          = errors.New("remote identity update failed")
)
