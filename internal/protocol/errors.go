package protocol

import "errors"

var (
	ErrUnknownKind        = errors.New("protocol: unknown envelope kind")
	ErrMissingSession     = errors.New("protocol: missing session id")
	ErrUnexpectedSession  = errors.New("protocol: init must not carry a session id")
	ErrMissingParty       = errors.New("protocol: missing sender or recipient")
	ErrMissingFlowTag     = errors.New("protocol: init without flow tag")
	ErrMissingReason      = errors.New("protocol: error envelope without reason")
	ErrSequenceMismatch   = errors.New("protocol: frame message id does not match sequence")
	ErrFieldTypeMismatch  = errors.New("protocol: field type mismatch")
	ErrNotSessionEnvelope = errors.New("protocol: frame is not a session envelope")
)
