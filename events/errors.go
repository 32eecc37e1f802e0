package events

import "errors"

var (
	// ErrInvalidResourceID resource id is empty or not a single subject token
	ErrInvalidResourceID = errors.New("invalid resource id")
	// ErrInvalidTopic topic or bus subject can not be parsed
	ErrInvalidTopic = errors.New("invalid topic")
	// ErrInvalidEnvelope bus message is not a JSON object with an event kind
	ErrInvalidEnvelope = errors.New("invalid event envelope")
)
