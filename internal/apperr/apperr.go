// Package apperr defines the typed error taxonomy the dispatcher maps to
// *:error envelopes (see spec §7). Handlers never string-match an error;
// they check its Kind.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable error code surfaced to clients inside *:error envelopes.
type Kind string

const (
	// Transport
	AuthRejected     Kind = "AuthRejected"
	MalformedEnvelope Kind = "MalformedEnvelope"
	PayloadTooLarge  Kind = "PayloadTooLarge"

	// Session
	SessionGone              Kind = "SessionGone"
	ShellNotAllowed          Kind = "ShellNotAllowed"
	SessionNotFoundForAttach Kind = "SessionNotFoundForAttach"

	// Filesystem
	PathTraversal Kind = "PathTraversal"
	IOError       Kind = "IOError"
	Readonly      Kind = "Readonly"

	// Tunnel
	TunnelExists        Kind = "TunnelExists"
	TunnelNotOpen       Kind = "TunnelNotOpen"
	TunnelClosed        Kind = "TunnelClosed"
	UpstreamUnreachable Kind = "UpstreamUnreachable"

	// Browser
	BrowserBinaryNotFound Kind = "BrowserBinaryNotFound"
	LaunchFailed          Kind = "LaunchFailed"
	InspectorTimeout      Kind = "InspectorTimeout"
	CdpConnectionLost     Kind = "CdpConnectionLost"
	SchemeBlocked         Kind = "SchemeBlocked"
	BrowserNotStarted     Kind = "BrowserNotStarted"
	BrowserCrashed        Kind = "BrowserCrashed"

	// Signaling
	SignalingSubscribeTimeout Kind = "SignalingSubscribeTimeout"
	ReadyTimeout              Kind = "ReadyTimeout"
	AnswerTimeout             Kind = "AnswerTimeout"
	ConnectionTimeout         Kind = "ConnectionTimeout"
	MaxRetriesExceeded        Kind = "MaxRetriesExceeded"

	// Peer connection (spec §4.10)
	ChannelNotOpen   Kind = "ChannelNotOpen"
	ChannelNotFound  Kind = "ChannelNotFound"
)

// Error is a typed error carrying a stable Kind plus a human message.
type Error struct {
	Kind Kind
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.err)
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

// New creates an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an *Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, err: cause}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err isn't an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
