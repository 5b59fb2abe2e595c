package flow

import (
	logs "github.com/danmuck/flowctl/internal/logging"
	"github.com/danmuck/flowctl/internal/protocol"
)

func allTerminal(sessions []*Session) bool {
	for _, s := range sessions {
		if !s.State().Terminal() {
			return false
		}
	}
	return true
}

func (inst *instance) closeOne(req *request) {
	s := req.session
	if !inst.owns(s) {
		req.respond(result{err: ErrInvalidParameter})
		return
	}
	req.sessions = []*Session{s}
	inst.closeSessions(req, opClose)
}

// closeAll closes the whole set as a single suspension. The set was already
// checked non-empty and owned by this flow.
func (inst *instance) closeAll(req *request) {
	seen := make(map[protocol.SessionID]struct{}, len(req.sessions))
	unique := make([]*Session, 0, len(req.sessions))
	for _, s := range req.sessions {
		if !inst.owns(s) {
			req.respond(result{err: ErrInvalidParameter})
			return
		}
		if _, dup := seen[s.id]; dup {
			continue
		}
		seen[s.id] = struct{}{}
		unique = append(unique, s)
	}
	req.sessions = unique
	inst.closeSessions(req, opCloseAll)
}

func (inst *instance) closeSessions(req *request, op opKind) {
	if err := inst.suspend(op); err != nil {
		req.respond(result{err: err})
		return
	}
	for _, s := range req.sessions {
		inst.beginClose(s)
	}
	if allTerminal(req.sessions) {
		req.respond(result{})
		return
	}
	logs.Debugf("flow.instance.closeSessions waiting flow=%s op=%s sessions=%d", inst.id, op, len(req.sessions))
	inst.pending = req
}

// beginClose starts the local close of s. Terminal and closing sessions are
// left alone.
func (inst *instance) beginClose(s *Session) {
	switch s.State() {
	case StateUninitiated:
		s.premature = true
		inst.finish(s, StateClosed)
	case StateInitiated:
		if s.peerClosed {
			inst.finish(s, StateClosed)
			return
		}
		s.setState(StateClosing)
		s.discard()
		if err := inst.emit(s, protocol.KindClose, nil, ""); err != nil {
			s.cause = err
			inst.finish(s, StateErrored)
		}
	}
}
