// Package oplog is the replicated record log consumed by the transaction
// core. Prepare, commit and abort records are appended at reserved slots;
// the durable timestamp only advances past a slot once every lower slot has
// been appended or abandoned, which is what lets a prepare record pin the
// commit point of its transaction.
package oplog

import (
	"encoding/binary"

	"github.com/docshard/docshard/session"
	"github.com/pingcap/errors"
)

// RecordType tags a log record.
type RecordType byte

const (
	RecordPrepare RecordType = iota + 1
	RecordCommit
	RecordAbort
)

func (t RecordType) String() string {
	switch t {
	case RecordPrepare:
		return "prepare"
	case RecordCommit:
		return "commit"
	case RecordAbort:
		return "abort"
	}
	return "unknown"
}

// Slot is a reserved position in the log. The zero Slot is invalid.
type Slot struct {
	TS uint64
}

// Record is one entry in the log.
type Record struct {
	Type      RecordType
	Session   session.ID
	TxnNumber session.TxnNumber
	TS        uint64
	// CommitTS is set on commit records for prepared transactions.
	CommitTS uint64
	// Participants is set on prepare records.
	Participants []string
}

// MarshalBinary encodes the record. Layout: type, session, txnNumber, ts,
// commitTS, participant count, then length-prefixed participant names.
func (r *Record) MarshalBinary() []byte {
	size := 1 + 16 + 8 + 8 + 8 + 2
	for _, p := range r.Participants {
		size += 2 + len(p)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, byte(r.Type))
	buf = append(buf, r.Session.Bytes()...)
	buf = appendUint64(buf, uint64(r.TxnNumber))
	buf = appendUint64(buf, r.TS)
	buf = appendUint64(buf, r.CommitTS)
	buf = appendUint16(buf, uint16(len(r.Participants)))
	for _, p := range r.Participants {
		buf = appendUint16(buf, uint16(len(p)))
		buf = append(buf, p...)
	}
	return buf
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) < 1+16+8+8+8+2 {
		return errors.Errorf("log record too short: %d bytes", len(data))
	}
	r.Type = RecordType(data[0])
	cursor := 1
	sid, err := session.IDFromBytes(data[cursor : cursor+16])
	if err != nil {
		return errors.WithStack(err)
	}
	r.Session = sid
	cursor += 16
	r.TxnNumber = session.TxnNumber(binary.BigEndian.Uint64(data[cursor:]))
	cursor += 8
	r.TS = binary.BigEndian.Uint64(data[cursor:])
	cursor += 8
	r.CommitTS = binary.BigEndian.Uint64(data[cursor:])
	cursor += 8
	numParts := int(binary.BigEndian.Uint16(data[cursor:]))
	cursor += 2
	r.Participants = nil
	for i := 0; i < numParts; i++ {
		if len(data) < cursor+2 {
			return errors.New("log record truncated in participant list")
		}
		pLen := int(binary.BigEndian.Uint16(data[cursor:]))
		cursor += 2
		if len(data) < cursor+pLen {
			return errors.New("log record truncated in participant name")
		}
		r.Participants = append(r.Participants, string(data[cursor:cursor+pLen]))
		cursor += pLen
	}
	return nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

// Log is the append interface the transaction core writes through.
//
// ReserveSlot assigns the next timestamp while the caller still holds its
// open storage transaction, so no later writer can slip a record in between
// reservation and append. A reservation that will never be appended must be
// abandoned with ReleaseSlot or the durable timestamp stalls behind it.
type Log interface {
	ReserveSlot() Slot
	AppendPrepare(slot Slot, sid session.ID, txnNumber session.TxnNumber, participants []string) error
	AppendCommit(slot Slot, sid session.ID, txnNumber session.TxnNumber, commitTS uint64) error
	AppendAbort(slot Slot, sid session.ID, txnNumber session.TxnNumber) error
	ReleaseSlot(slot Slot)
	// DurableTS is the highest timestamp with no outstanding reservation at
	// or below it.
	DurableTS() uint64
}
