package txn

import (
	"github.com/docshard/docshard/storage"
)

// OpKind is the kind of a buffered write operation.
type OpKind byte

const (
	OpPut OpKind = iota + 1
	OpDelete
)

// Operation is one buffered document write. Operations accumulate while the
// transaction is in progress and are applied to the storage-engine
// transaction at prepare or commit time.
type Operation struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

const perOpOverhead = 16

func (op Operation) size() uint64 {
	return uint64(len(op.Key) + len(op.Value) + perOpOverhead)
}

func (op Operation) apply(t *storage.EngineTxn) error {
	switch op.Kind {
	case OpPut:
		return t.Set(op.Key, op.Value)
	case OpDelete:
		return t.Delete(op.Key)
	}
	panic("txn: unknown operation kind")
}
