// Package aerospike implements conn.Dialer over the Aerospike Go client.
//
// The Aerospike client manages its own connection pool, and its commands
// block, so each wire runs every frame on its own goroutine, bounded by a
// semaphore shared by every wire of the Dialer.
package aerospike

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	as "github.com/aerospike/aerospike-client-go"
	"github.com/aerospike/aerospike-client-go/types"
	"github.com/joeycumines/go-kvpipe/conn"
	"github.com/joeycumines/go-kvpipe/kv"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxCommands bounds the number of concurrent commands, per Dialer.
const DefaultMaxCommands = 256

type (
	// Client models the subset of *as.Client used by Dialer.
	Client interface {
		PutBins(policy *as.WritePolicy, key *as.Key, bins ...*as.Bin) error
		BatchGet(policy *as.BatchPolicy, keys []*as.Key, binNames ...string) ([]*as.Record, error)
	}

	// Dialer implements conn.Dialer.
	Dialer struct {
		client Client
		sem    *semaphore.Weighted
	}

	wire struct {
		dialer *Dialer
		ctx    context.Context
		cancel context.CancelFunc
		sink   func(conn.Reply)
		mu     sync.RWMutex
		closed bool
	}
)

var (
	_ Client      = (*as.Client)(nil)
	_ conn.Dialer = (*Dialer)(nil)
	_ conn.Wire   = (*wire)(nil)

	errWireClosed = errors.New(`aerospike: wire closed`)
)

// Connect connects to the cluster seeded by host:port.
func Connect(host string, port int) (*as.Client, error) {
	client, err := as.NewClient(host, port)
	if err != nil {
		return nil, fmt.Errorf(`aerospike: connect %s:%d: %w`, host, port, err)
	}
	return client, nil
}

// NewDialer returns a Dialer using client, allowing at most maxCommands
// concurrent commands, or DefaultMaxCommands if not positive.
func NewDialer(client Client, maxCommands int) *Dialer {
	if client == nil {
		panic(`aerospike: nil client`)
	}
	if maxCommands <= 0 {
		maxCommands = DefaultMaxCommands
	}
	return &Dialer{
		client: client,
		sem:    semaphore.NewWeighted(int64(maxCommands)),
	}
}

// Dial implements conn.Dialer.
func (d *Dialer) Dial(ctx context.Context, sink func(conn.Reply)) (conn.Wire, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := wire{dialer: d, sink: sink}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return &w, nil
}

func (w *wire) Write(frames []*conn.Frame) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return errWireClosed
	}
	for _, f := range frames {
		switch f.Op {
		case conn.OpPut, conn.OpBatchGet:
		default:
			return fmt.Errorf(`aerospike: unsupported op: %s`, f.Op)
		}
	}
	for _, f := range frames {
		go w.run(f)
	}
	return nil
}

func (w *wire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		w.cancel()
	}
	return nil
}

func (w *wire) run(f *conn.Frame) {
	var reply conn.Reply
	if err := w.dialer.sem.Acquire(w.ctx, 1); err != nil {
		// closed
		return
	}
	reply = execute(w.dialer.client, f)
	w.dialer.sem.Release(1)

	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.closed {
		w.sink(reply)
	}
}

func execute(client Client, f *conn.Frame) conn.Reply {
	reply := conn.Reply{ID: f.ID}
	switch f.Op {
	case conn.OpPut:
		key, err := toKey(f.Key)
		if err != nil {
			reply.Err = err
			break
		}
		reply.Err = translateError(client.PutBins(nil, key, toBins(f.Bins)...))
	case conn.OpBatchGet:
		keys := make([]*as.Key, len(f.Keys))
		for i, k := range f.Keys {
			var err error
			if keys[i], err = toKey(k); err != nil {
				reply.Err = err
				return reply
			}
		}
		records, err := client.BatchGet(nil, keys)
		if err != nil {
			reply.Err = translateError(err)
			break
		}
		reply.Records, reply.Err = toBatchRecords(f.Keys, records)
	}
	return reply
}

func toKey(key kv.Key) (*as.Key, error) {
	k, err := as.NewKey(key.Namespace, key.Set, key.ID)
	if err != nil {
		return nil, fmt.Errorf(`aerospike: key %s: %w`, key, err)
	}
	return k, nil
}

func toBins(bins []kv.Bin) []*as.Bin {
	out := make([]*as.Bin, len(bins))
	for i, b := range bins {
		out[i] = as.NewBin(b.Name, b.Value)
	}
	return out
}

// toBatchRecords maps the results of BatchGet, in which a nil record means
// the key was not found.
func toBatchRecords(keys []kv.Key, records []*as.Record) ([]kv.BatchRecord, error) {
	if len(records) != len(keys) {
		return nil, &kv.ProtocolError{Code: -1, Message: fmt.Sprintf(`aerospike: expected %d records, got %d`, len(keys), len(records))}
	}
	out := make([]kv.BatchRecord, len(records))
	for i, r := range records {
		out[i].Key = keys[i]
		if r == nil {
			out[i].Result = kv.ResultNotFound
			out[i].Err = kv.ErrNotFound
			continue
		}
		bins, err := fromBinMap(r.Bins)
		if err != nil {
			out[i].Result = kv.ResultError
			out[i].Err = err
			continue
		}
		out[i].Bins = bins
	}
	return out, nil
}

func fromBinMap(m as.BinMap) ([]kv.Bin, error) {
	bins := make([]kv.Bin, 0, len(m))
	for name, v := range m {
		var value int64
		switch v := v.(type) {
		case int:
			value = int64(v)
		case int64:
			value = v
		case int32:
			value = int64(v)
		case int16:
			value = int64(v)
		case int8:
			value = int64(v)
		case uint32:
			value = int64(v)
		case uint16:
			value = int64(v)
		case uint8:
			value = int64(v)
		default:
			return nil, &kv.ProtocolError{Code: -1, Message: fmt.Sprintf(`aerospike: bin %q: unsupported type %T`, name, v)}
		}
		bins = append(bins, kv.Bin{Name: name, Value: value})
	}
	slices.SortFunc(bins, func(a, b kv.Bin) int { return strings.Compare(a.Name, b.Name) })
	return bins, nil
}

// translateError maps server result codes to kv errors. Other errors are
// returned as is, to be treated as transport errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var aerr types.AerospikeError
	if errors.As(err, &aerr) {
		switch code := aerr.ResultCode(); code {
		case types.KEY_NOT_FOUND_ERROR:
			return kv.ErrNotFound
		case types.TIMEOUT, types.SERVER_NOT_AVAILABLE, types.NO_AVAILABLE_CONNECTIONS_TO_NODE, types.INVALID_NODE_ERROR:
			return err
		default:
			return &kv.ProtocolError{Code: int(code), Message: err.Error()}
		}
	}
	return err
}
