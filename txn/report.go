package txn

import "time"

// Report is a point-in-time diagnostic snapshot of one participant, shaped
// for currentOp-style reporting.
type Report struct {
	Session     string    `json:"session"`
	TxnNumber   uint64    `json:"txnNumber"`
	State       string    `json:"state"`
	Autocommit  bool      `json:"autocommit"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
	OpCount     int       `json:"opCount"`
	OpBytes     uint64    `json:"opBytes"`
	PrepareTS   uint64    `json:"prepareTS,omitempty"`
	ReadConcern string    `json:"readConcern,omitempty"`
	Stashed     bool      `json:"stashed"`

	// SpeculativeReadTS is the durable log position the transaction's first
	// statement observed when it acquired its engine snapshot.
	SpeculativeReadTS uint64 `json:"speculativeReadTS,omitempty"`
}

func (p *Participant) reportLocked() Report {
	return Report{
		Session:     p.sessionID.String(),
		TxnNumber:   uint64(p.txnNumber),
		State:       p.state.String(),
		Autocommit:  p.autocommit,
		ExpiresAt:   p.expireAt,
		OpCount:     len(p.ops),
		OpBytes:     p.opsBytes,
		PrepareTS:   p.prepareTS,
		ReadConcern: p.readConcern,
		Stashed:     p.stash != nil,

		SpeculativeReadTS: p.speculativeReadTS,
	}
}

// ReportStashedState snapshots the participant for reporting on an idle
// (stashed) transaction. ok is false when the transaction is currently
// running a statement or holds no stashed resources.
func (p *Participant) ReportStashedState() (Report, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stash == nil {
		return Report{}, false
	}
	return p.reportLocked(), true
}

// ReportUnstashedState snapshots the participant for reporting on a
// transaction actively running a statement. ok is false when the
// transaction is idle or no transaction is open.
func (p *Participant) ReportUnstashedState() (Report, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stash != nil || !p.state.isOneOf(StateInProgress, StatePrepared,
		StateCommittingWithoutPrepare, StateCommittingWithPrepare) {
		return Report{}, false
	}
	return p.reportLocked(), true
}
