package oplog

import (
	"encoding/binary"
	"sync"

	"github.com/Connor1996/badger"
	"github.com/docshard/docshard/session"
	"github.com/google/btree"
	"github.com/pingcap/errors"
)

var recordKeyPrefix = []byte{'r'}

func recordKey(ts uint64) []byte {
	key := make([]byte, 9)
	key[0] = recordKeyPrefix[0]
	binary.BigEndian.PutUint64(key[1:], ts)
	return key
}

type slotItem uint64

func (s slotItem) Less(than btree.Item) bool {
	return s < than.(slotItem)
}

// DurableLog stores records in the log engine. Reserved-but-unfilled slots
// are tracked in an ordered tree so the durable timestamp never moves past a
// hole that may still be filled.
type DurableLog struct {
	db *badger.DB

	mu       sync.Mutex
	nextTS   uint64
	reserved *btree.BTree
}

// NewDurableLog opens a log over the given engine, resuming the timestamp
// sequence from what is already stored.
func NewDurableLog(db *badger.DB) (*DurableLog, error) {
	l := &DurableLog{
		db:       db,
		nextTS:   1,
		reserved: btree.New(8),
	}
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		// Seek past the last record key.
		it.Seek(recordKey(^uint64(0)))
		if it.ValidForPrefix(recordKeyPrefix) {
			last := binary.BigEndian.Uint64(it.Item().Key()[1:])
			l.nextTS = last + 1
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return l, nil
}

func (l *DurableLog) ReserveSlot() Slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.nextTS
	l.nextTS++
	l.reserved.ReplaceOrInsert(slotItem(ts))
	return Slot{TS: ts}
}

func (l *DurableLog) ReleaseSlot(slot Slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reserved.Delete(slotItem(slot.TS)) == nil {
		panic("oplog: released a slot that was not reserved")
	}
}

func (l *DurableLog) append(slot Slot, rec *Record) error {
	l.mu.Lock()
	if l.reserved.Get(slotItem(slot.TS)) == nil {
		l.mu.Unlock()
		panic("oplog: append to a slot that was not reserved")
	}
	l.mu.Unlock()

	rec.TS = slot.TS
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(slot.TS), rec.MarshalBinary())
	})
	if err != nil {
		return errors.WithStack(err)
	}

	l.mu.Lock()
	l.reserved.Delete(slotItem(slot.TS))
	l.mu.Unlock()
	return nil
}

func (l *DurableLog) AppendPrepare(slot Slot, sid session.ID, txnNumber session.TxnNumber, participants []string) error {
	return l.append(slot, &Record{
		Type:         RecordPrepare,
		Session:      sid,
		TxnNumber:    txnNumber,
		Participants: participants,
	})
}

func (l *DurableLog) AppendCommit(slot Slot, sid session.ID, txnNumber session.TxnNumber, commitTS uint64) error {
	return l.append(slot, &Record{
		Type:      RecordCommit,
		Session:   sid,
		TxnNumber: txnNumber,
		CommitTS:  commitTS,
	})
}

func (l *DurableLog) AppendAbort(slot Slot, sid session.ID, txnNumber session.TxnNumber) error {
	return l.append(slot, &Record{
		Type:      RecordAbort,
		Session:   sid,
		TxnNumber: txnNumber,
	})
}

func (l *DurableLog) DurableTS() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reserved.Len() == 0 {
		return l.nextTS - 1
	}
	return uint64(l.reserved.Min().(slotItem)) - 1
}

// Records returns every stored record with timestamp >= fromTS, in order.
func (l *DurableLog) Records(fromTS uint64) ([]Record, error) {
	var recs []Record
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(recordKey(fromTS)); it.ValidForPrefix(recordKeyPrefix); it.Next() {
			val, err := it.Item().Value()
			if err != nil {
				return err
			}
			var rec Record
			if err := rec.UnmarshalBinary(val); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return recs, nil
}
