// Package memnode implements an in-process storage node, indexed by a btree,
// with group commit of writes, and a conn.Dialer, which may inject latency
// and faults. It stands in for a real cluster in tests, and in the CLI.
package memnode

import (
	"cmp"
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/joeycumines/go-kvpipe/conn"
	"github.com/joeycumines/go-kvpipe/kv"
	"github.com/joeycumines/logiface"
)

type (
	// Node is an in-memory store. See New.
	Node struct {
		logger *logiface.Logger[logiface.Event]
		opts   *nodeOptions
		commit *committer

		mu    sync.RWMutex
		index *btree.BTreeG[record]

		wiresMu sync.Mutex
		wires   map[*wire]struct{}

		stats struct {
			puts      atomic.Int64
			batchGets atomic.Int64
			commits   atomic.Int64
			faults    atomic.Int64
			dials     atomic.Int64
		}

		closed atomic.Bool
	}

	// Stats counts operations applied by a Node.
	Stats struct {
		Puts      int64
		BatchGets int64
		Commits   int64
		Faults    int64
		Dials     int64
		Records   int
		Wires     int
	}

	record struct {
		bins []kv.Bin
		key  kv.Key
	}

	putJob struct {
		wire  *wire
		frame *conn.Frame
	}
)

var errNodeClosed = errors.New(`memnode: closed`)

// New returns a running Node, which must be closed, see Close.
func New(opts ...Option) (*Node, error) {
	cfg, err := resolveNodeOptions(opts)
	if err != nil {
		return nil, err
	}
	n := Node{
		logger: cfg.logger,
		opts:   cfg,
		index:  btree.NewG(cfg.degree, lessRecord),
		wires:  make(map[*wire]struct{}),
	}
	n.commit, err = newCommitter(cfg.commit, n.applyPuts, n.failPuts)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func lessRecord(a, b record) bool {
	return compareKeys(a.key, b.key) < 0
}

func compareKeys(a, b kv.Key) int {
	if c := cmp.Compare(a.Namespace, b.Namespace); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Set, b.Set); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Close stops accepting writes, waits for pending commits (or ctx), and
// closes every open wire.
func (n *Node) Close(ctx context.Context) error {
	if !n.closed.CompareAndSwap(false, true) {
		return errNodeClosed
	}
	err := n.commit.shutdown(ctx)
	for _, w := range n.openWires() {
		_ = w.Close()
	}
	n.logger.Debug().
		Int("records", n.Len()).
		Log("memnode: closed")
	return err
}

// Dialer returns a conn.Dialer for the node.
func (n *Node) Dialer() conn.Dialer {
	return conn.DialerFunc(n.dial)
}

// Put writes bins to key, directly.
func (n *Node) Put(key kv.Key, bins []kv.Bin) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.put(key, bins)
}

// Get reads key, directly.
func (n *Node) Get(key kv.Key) ([]kv.Bin, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.index.Get(record{key: key})
	if !ok {
		return nil, false
	}
	return slices.Clone(r.bins), true
}

// Keys returns every key in the index, in order.
func (n *Node) Keys() []kv.Key {
	n.mu.RLock()
	defer n.mu.RUnlock()
	keys := make([]kv.Key, 0, n.index.Len())
	n.index.Ascend(func(r record) bool {
		keys = append(keys, r.key)
		return true
	})
	return keys
}

// Len returns the number of records.
func (n *Node) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.index.Len()
}

// Stats returns the operation counters.
func (n *Node) Stats() Stats {
	return Stats{
		Puts:      n.stats.puts.Load(),
		BatchGets: n.stats.batchGets.Load(),
		Commits:   n.stats.commits.Load(),
		Faults:    n.stats.faults.Load(),
		Dials:     n.stats.dials.Load(),
		Records:   n.Len(),
		Wires:     len(n.openWires()),
	}
}

// BreakWires fails every open wire with err, as if the network had failed.
func (n *Node) BreakWires(err error) int {
	if err == nil {
		err = errors.New(`memnode: wire broken`)
	}
	wires := n.openWires()
	for _, w := range wires {
		w.fail(err)
	}
	return len(wires)
}

// put must be called with mu held.
func (n *Node) put(key kv.Key, bins []kv.Bin) {
	r, ok := n.index.Get(record{key: key})
	if !ok {
		r = record{key: key}
	} else {
		r.bins = slices.Clone(r.bins)
	}
	for _, b := range bins {
		i := slices.IndexFunc(r.bins, func(v kv.Bin) bool { return v.Name == b.Name })
		if i < 0 {
			r.bins = append(r.bins, b)
		} else {
			r.bins[i] = b
		}
	}
	n.index.ReplaceOrInsert(r)
}

func (n *Node) batchGet(keys []kv.Key) []kv.BatchRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()
	records := make([]kv.BatchRecord, len(keys))
	for i, k := range keys {
		records[i].Key = k
		if r, ok := n.index.Get(record{key: k}); ok {
			records[i].Result = kv.ResultOK
			records[i].Bins = slices.Clone(r.bins)
		} else {
			records[i].Result = kv.ResultNotFound
			records[i].Err = kv.ErrNotFound
		}
	}
	n.stats.batchGets.Add(1)
	return records
}

// applyPuts is the commitFunc of the node.
func (n *Node) applyPuts(ctx context.Context, jobs []*putJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	for _, job := range jobs {
		n.put(job.frame.Key, job.frame.Bins)
	}
	n.mu.Unlock()
	n.stats.puts.Add(int64(len(jobs)))
	n.stats.commits.Add(1)
	for _, job := range jobs {
		job.wire.reply(conn.Reply{ID: job.frame.ID})
	}
	return nil
}

func (n *Node) failPuts(jobs []*putJob, err error) {
	n.logger.Warning().
		Err(err).
		Int("writes", len(jobs)).
		Log("memnode: commit failed")
	for _, job := range jobs {
		job.wire.reply(conn.Reply{ID: job.frame.ID, Err: err})
	}
}

func (n *Node) latency() time.Duration {
	lo, hi := n.opts.minLatency, n.opts.maxLatency
	if hi <= 0 {
		return 0
	}
	if hi == lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func (n *Node) openWires() []*wire {
	n.wiresMu.Lock()
	defer n.wiresMu.Unlock()
	wires := make([]*wire, 0, len(n.wires))
	for w := range n.wires {
		wires = append(wires, w)
	}
	return wires
}
