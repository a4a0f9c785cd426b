package domain

import (
	"fmt"
	"time"
)

// AuthError means the presented credential was missing, invalid or
// could not be verified. Fatal to the connection attempt.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError covers connect, timeout and transport-negotiation
// failures of the signaling channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NegotiationError covers malformed or out-of-order offer/answer/
// candidate application. Drives the session to Failed.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation: %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// MediaError means local capture could not be acquired, after every
// fallback was exhausted.
type MediaError struct {
	Reason string
	Err    error
}

func (e *MediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media: %s: %v", e.Reason, e.Err)
	}
	return "media: " + e.Reason
}

func (e *MediaError) Unwrap() error { return e.Err }

// PolicyError is a locally denied cancel/end action. It never reaches
// the relay; the call continues unaffected.
type PolicyError struct {
	Action string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy: %s denied: %s", e.Action, e.Reason)
}

// TimeoutError marks an elapsed dial, join-ack, auth-ack or grace
// window.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s after %s", e.Op, e.After)
}
