package flow

import (
	"fmt"

	"github.com/danmuck/flowctl/internal/checkpoint"
	"github.com/danmuck/flowctl/internal/identity"
	logs "github.com/danmuck/flowctl/internal/logging"
	"github.com/danmuck/flowctl/internal/protocol"
)

// Recover releases what an earlier run left in the checkpoint store. Flow
// logic does not survive a restart, so every open session in a leftover
// record is failed: a peer that knows the session gets an ERROR, the
// dispatcher remembers the session for late envelopes, and the record is
// deleted. Records of flows running in this manager are skipped.
func (m *Manager) Recover() ([]checkpoint.Record, error) {
	records, err := m.store.List()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}
	m.mu.Lock()
	running := make(map[string]bool, len(m.flows))
	for id := range m.flows {
		running[string(id)] = true
	}
	m.mu.Unlock()

	recovered := make([]checkpoint.Record, 0, len(records))
	for _, r := range records {
		if running[r.FlowID] {
			continue
		}
		notified := 0
		for _, sr := range r.Sessions {
			if m.releaseRecorded(sr) {
				notified++
			}
		}
		if err := m.store.Delete(r.FlowID); err != nil {
			logs.Warnf("flow.Manager.Recover delete flow=%s err=%v", r.FlowID, err)
		}
		logs.Warnf(
			"flow.Manager.Recover flow=%s tag=%s role=%s step=%d suspension=%s sessions=%d notified=%d",
			r.FlowID,
			r.Tag,
			r.Role,
			r.Step,
			r.Suspension,
			len(r.Sessions),
			notified,
		)
		recovered = append(recovered, r)
	}
	return recovered, nil
}

// releaseRecorded fails one recorded session and reports whether its peer
// was sent an ERROR.
func (m *Manager) releaseRecorded(sr checkpoint.SessionRecord) bool {
	if sr.State == StateClosed.String() || sr.State == StateErrored.String() {
		return false
	}
	id := protocol.SessionID(sr.ID)
	counterparty := identity.Party(sr.Counterparty)
	m.dispatcher.ended.Add(id, endedSession{
		id:           id,
		counterparty: counterparty,
		state:        StateErrored,
		initSent:     sr.InitSent,
		initiated:    sr.Initiated,
		premature:    sr.Premature,
		nextSeq:      sr.SendSeq,
		reason:       protocol.ReasonRestarted,
	})
	if sr.PeerID == "" || sr.PeerClosed {
		return false
	}
	m.notify(protocol.Envelope{
		SessionID:       protocol.SessionID(sr.PeerID),
		SourceSessionID: id,
		Kind:            protocol.KindError,
		Sequence:        sr.SendSeq,
		Sender:          m.self,
		Recipient:       counterparty,
		Reason:          protocol.ReasonRestarted,
	})
	return true
}
