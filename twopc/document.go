package twopc

import (
	"encoding/binary"
	"encoding/json"

	"github.com/Connor1996/badger"
	"github.com/docshard/docshard/session"
	"github.com/pingcap/errors"
)

// Decision is the coordinator's terminal verdict. DecisionNone is reported
// to waiters of a coordinator that was canceled before it ever coordinated.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionCommit
	DecisionAbort
)

func (d Decision) String() string {
	switch d {
	case DecisionCommit:
		return "commit"
	case DecisionAbort:
		return "abort"
	default:
		return "none"
	}
}

// document is the durable record of one coordination, written to the kv
// engine when the participant list arrives, updated when the decision is
// made, and deleted once every participant has acknowledged the decision.
// Its presence at startup means a coordination must be resumed.
type document struct {
	Session      string   `json:"session"`
	TxnNumber    uint64   `json:"txnNumber"`
	Participants []string `json:"participants"`
	Decision     string   `json:"decision,omitempty"`
	CommitTS     uint64   `json:"commitTS,omitempty"`
}

func (d *document) decision() Decision {
	switch d.Decision {
	case "commit":
		return DecisionCommit
	case "abort":
		return DecisionAbort
	default:
		return DecisionNone
	}
}

var docPrefix = []byte("coordinator/")

func docKey(sid session.ID, txnNumber session.TxnNumber) []byte {
	key := make([]byte, 0, len(docPrefix)+16+8)
	key = append(key, docPrefix...)
	key = append(key, sid.Bytes()...)
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], uint64(txnNumber))
	return append(key, num[:]...)
}

// docStore persists coordinator documents in the kv engine.
type docStore struct {
	db *badger.DB
}

func (s *docStore) put(doc *document) error {
	sid, err := session.ParseID(doc.Session)
	if err != nil {
		return errors.Trace(err)
	}
	val, err := json.Marshal(doc)
	if err != nil {
		return errors.Trace(err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(sid, session.TxnNumber(doc.TxnNumber)), val)
	})
}

func (s *docStore) delete(sid session.ID, txnNumber session.TxnNumber) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(docKey(sid, txnNumber))
	})
}

func (s *docStore) get(sid session.ID, txnNumber session.TxnNumber) (*document, error) {
	var doc *document
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(sid, txnNumber))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}
		doc = new(document)
		return json.Unmarshal(val, doc)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return doc, nil
}

// loadAll returns every persisted coordination, used by the startup
// recovery scan.
func (s *docStore) loadAll() ([]*document, error) {
	var docs []*document
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(docPrefix); it.ValidForPrefix(docPrefix); it.Next() {
			val, err := it.Item().Value()
			if err != nil {
				return err
			}
			doc := new(document)
			if err := json.Unmarshal(val, doc); err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return docs, nil
}
