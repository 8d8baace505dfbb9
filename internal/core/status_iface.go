package core

import "github.com/dkeye/Mirror/internal/domain"

// StatusSink is the only surface through which the UI layer learns what the
// session is doing. After Stop returns no further calls are made.
type StatusSink interface {
	OnStatus(state domain.SessionState)
	OnError(code ErrorCode)
	// OnConfirmConnectionRequest is asked on the host before accepting an
	// incoming peer. Returning false rejects the session.
	OnConfirmConnectionRequest(peer domain.ClientID) bool
}

// NopStatusSink accepts everything and reports nothing.
type NopStatusSink struct{}

func (NopStatusSink) OnStatus(domain.SessionState)                    {}
func (NopStatusSink) OnError(ErrorCode)                               {}
func (NopStatusSink) OnConfirmConnectionRequest(domain.ClientID) bool { return true }
