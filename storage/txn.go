package storage

import (
	"github.com/Connor1996/badger"
)

// ErrKeyNotFound is returned by EngineTxn.Get for missing keys.
var ErrKeyNotFound = badger.ErrKeyNotFound

type txnState int

const (
	txnActive txnState = iota
	txnCommitted
	txnRolledBack
)

// EngineTxn is a strictly owned handle over one open storage-engine
// transaction. Ownership moves between an execution context and the resource
// stash; it is never shared. Commit and Rollback finish the handle exactly
// once, and any use after that is an invariant violation, not a request
// error, so it panics.
type EngineTxn struct {
	txn   *badger.Txn
	state txnState
}

// BeginTxn opens a new writable transaction on the data engine.
func (en *Engines) BeginTxn() *EngineTxn {
	return &EngineTxn{txn: en.Kv.NewTransaction(true)}
}

func (t *EngineTxn) assertActive() {
	if t.state != txnActive {
		panic("storage: use of a finished engine transaction")
	}
}

// Active reports whether the handle has not yet been committed or rolled
// back.
func (t *EngineTxn) Active() bool {
	return t.state == txnActive
}

func (t *EngineTxn) Set(key, val []byte) error {
	t.assertActive()
	return t.txn.Set(key, val)
}

func (t *EngineTxn) Delete(key []byte) error {
	t.assertActive()
	return t.txn.Delete(key)
}

// Get reads a key through the transaction's snapshot, observing the
// transaction's own uncommitted writes. Returns ErrKeyNotFound for missing
// keys.
func (t *EngineTxn) Get(key []byte) ([]byte, error) {
	t.assertActive()
	item, err := t.txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.Value()
}

// Commit makes the transaction's writes durable in the data engine and
// finishes the handle. A nil callback makes badger commit synchronously.
func (t *EngineTxn) Commit() error {
	t.assertActive()
	t.state = txnCommitted
	return t.txn.Commit(nil)
}

// Rollback discards the transaction's writes and finishes the handle.
func (t *EngineTxn) Rollback() {
	t.assertActive()
	t.state = txnRolledBack
	t.txn.Discard()
}
