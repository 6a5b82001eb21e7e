// Package kv models the records, requests and batches exchanged between the
// request pipelining engine and a key-value store, along with the error
// taxonomy and the interfaces the engine consumes.
package kv

import (
	"fmt"
)

const (
	// DefaultNamespace is used when a Key has no namespace.
	DefaultNamespace = `test`
	// DefaultSet is used when a Key has no set.
	DefaultSet = `test`
	// DefaultBin is the bin written by workflows, unless configured otherwise.
	DefaultBin = `test-bin`
)

type (
	// Key identifies a single record.
	Key struct {
		Namespace string
		Set       string
		ID        int64
	}

	// Bin is a single named value of a record.
	Bin struct {
		Name  string
		Value int64
	}

	// Request is a single write, issued by a window, identified by its index.
	// Requests are immutable once issued.
	Request struct {
		// OnFill is optional, and is called once, on the loop, after a
		// pipelined connection has written the request to the wire.
		OnFill func()
		Key    Key
		Bins   []Bin
		Index  int
	}

	// ResultCode classifies the outcome of a single key in a batch.
	ResultCode int

	// BatchRecord is the per-key slot of a Batch.
	BatchRecord struct {
		Err    error
		Bins   []Bin
		Key    Key
		Result ResultCode
	}

	// Batch is a single multi-key read, see NewBatch.
	Batch struct {
		Records []BatchRecord
	}

	// CompletionFunc receives the outcome of a single request.
	// The error is nil on success.
	CompletionFunc func(req *Request, err error)

	// BatchCompletionFunc receives the outcome of a batch read.
	// A non-nil error indicates the batch as a whole failed.
	BatchCompletionFunc func(batch *Batch, err error)

	// Executor runs tasks, in submission order, on a single goroutine.
	// Implemented by eventloop.Loop.
	Executor interface {
		Submit(task func()) error
	}

	// Conn is the request-level view of a connection, as used by windows and
	// batch coordinators. All methods must be called from the owning loop.
	Conn interface {
		// Send issues req. A non-nil return is always a *SubmitError, and
		// means onComplete will never be called for req.
		Send(req *Request, onComplete CompletionFunc) error

		// BatchRead issues a single read of every key in batch. A non-nil
		// return is always a *SubmitError, and means onComplete will never
		// be called.
		BatchRead(batch *Batch, onComplete BatchCompletionFunc) error

		// SetPipelineFillCallback installs the callback invoked each time
		// the connection has written a request without its own
		// Request.OnFill to the wire. It is only meaningful for pipelined
		// connections, and is shared by every user of the connection.
		SetPipelineFillCallback(onFill func())
	}
)

const (
	ResultOK ResultCode = iota
	ResultNotFound
	ResultError
)

// NewKey returns a Key, defaulting the namespace and set.
func NewKey(namespace, set string, id int64) Key {
	if namespace == `` {
		namespace = DefaultNamespace
	}
	if set == `` {
		set = DefaultSet
	}
	return Key{Namespace: namespace, Set: set, ID: id}
}

// String implements fmt.Stringer.
func (x Key) String() string {
	return fmt.Sprintf(`%s:%s:%d`, x.Namespace, x.Set, x.ID)
}

// String implements fmt.Stringer.
func (x ResultCode) String() string {
	switch x {
	case ResultOK:
		return `ok`
	case ResultNotFound:
		return `not-found`
	case ResultError:
		return `error`
	default:
		return fmt.Sprintf(`ResultCode(%d)`, int(x))
	}
}

// NewBatch allocates a batch over keys, with every record initially marked
// as ResultError, until resolved by a connection.
func NewBatch(keys []Key) *Batch {
	b := Batch{Records: make([]BatchRecord, len(keys))}
	for i, k := range keys {
		b.Records[i] = BatchRecord{Key: k, Result: ResultError}
	}
	return &b
}

// Keys returns the keys of every record, in order.
func (x *Batch) Keys() []Key {
	if x == nil {
		return nil
	}
	keys := make([]Key, len(x.Records))
	for i := range x.Records {
		keys[i] = x.Records[i].Key
	}
	return keys
}

// Release drops the per-record values, retaining the key set.
func (x *Batch) Release() {
	if x == nil {
		return
	}
	for i := range x.Records {
		x.Records[i].Bins = nil
		x.Records[i].Err = nil
	}
}

// Bin returns the value of the named bin, if present.
func (x *BatchRecord) Bin(name string) (int64, bool) {
	for _, b := range x.Bins {
		if b.Name == name {
			return b.Value, true
		}
	}
	return 0, false
}
