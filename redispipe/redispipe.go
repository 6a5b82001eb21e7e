// Package redispipe implements conn.Dialer over go-redis. Records are
// hashes, keyed by namespace, set and id, and each group of frames written
// to a wire is sent as a single Redis pipeline.
package redispipe

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v9"
	"github.com/joeycumines/go-kvpipe/conn"
	"github.com/joeycumines/go-kvpipe/kv"
)

const (
	cmdHSet    = `HSET`
	cmdHGetAll = `HGETALL`
)

type (
	// Client models the subset of goredis.UniversalClient used by Dialer.
	Client interface {
		Pipeline() goredis.Pipeliner
	}

	// Dialer implements conn.Dialer.
	Dialer struct {
		client  Client
		timeout time.Duration
	}

	wire struct {
		client  Client
		ctx     context.Context
		cancel  context.CancelFunc
		sink    func(conn.Reply)
		timeout time.Duration
		mu      sync.RWMutex
		closed  bool
	}

	// result is resolved after the pipeline is executed
	result func() conn.Reply
)

var (
	_ Client      = (*goredis.Client)(nil)
	_ conn.Dialer = (*Dialer)(nil)
	_ conn.Wire   = (*wire)(nil)

	errWireClosed = errors.New(`redispipe: wire closed`)
)

// Connect returns a client for the server at addr.
func Connect(addr string, poolSize int) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     addr,
		PoolSize: poolSize,
	})
}

// NewDialer returns a Dialer using client. If timeout is positive, it
// bounds the execution of each pipeline.
func NewDialer(client Client, timeout time.Duration) *Dialer {
	if client == nil {
		panic(`redispipe: nil client`)
	}
	return &Dialer{client: client, timeout: timeout}
}

// Dial implements conn.Dialer.
func (d *Dialer) Dial(ctx context.Context, sink func(conn.Reply)) (conn.Wire, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := wire{
		client:  d.client,
		sink:    sink,
		timeout: d.timeout,
	}
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
			return fmt.Errorf(`redispipe: unsupported op: %s`, f.Op)
		}
	}
	frames = slices.Clone(frames)
	go w.exec(frames)
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

func (w *wire) exec(frames []*conn.Frame) {
	ctx := w.ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	pipe := w.client.Pipeline()
	results := make([]result, len(frames))
	for i, f := range frames {
		results[i] = queue(ctx, pipe, f)
	}
	// per-command errors are checked individually
	_, _ = pipe.Exec(ctx)

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	for _, r := range results {
		w.sink(r())
	}
}

// queue adds the commands for f to pipe.
func queue(ctx context.Context, pipe goredis.Pipeliner, f *conn.Frame) result {
	switch f.Op {
	case conn.OpPut:
		if len(f.Bins) == 0 {
			return func() conn.Reply {
				return conn.Reply{ID: f.ID, Err: &kv.ProtocolError{Code: -1, Message: `redispipe: put requires at least one bin`}}
			}
		}
		cmd := pipe.Do(ctx, hsetArgs(f.Key, f.Bins)...)
		return func() conn.Reply {
			return conn.Reply{ID: f.ID, Err: translateError(cmd.Err())}
		}
	default:
		cmds := make([]*goredis.Cmd, len(f.Keys))
		for i, key := range f.Keys {
			cmds[i] = pipe.Do(ctx, cmdHGetAll, Key(key))
		}
		return func() conn.Reply {
			reply := conn.Reply{ID: f.ID, Records: make([]kv.BatchRecord, len(cmds))}
			for i, cmd := range cmds {
				r := &reply.Records[i]
				r.Key = f.Keys[i]
				v, err := cmd.Result()
				if err != nil && !errors.Is(err, goredis.Nil) {
					// the batch as a whole failed
					if isTransport(err) {
						return conn.Reply{ID: f.ID, Err: err}
					}
					r.Result = kv.ResultError
					r.Err = translateError(err)
					continue
				}
				hash, err := parseHash(v)
				if err == nil && len(hash) == 0 {
					r.Result = kv.ResultNotFound
					r.Err = kv.ErrNotFound
					continue
				}
				if err == nil {
					r.Bins, err = parseBins(hash)
				}
				if err != nil {
					r.Result = kv.ResultError
					r.Err = err
				}
			}
			return reply
		}
	}
}

// Key returns the Redis key of a record.
func Key(key kv.Key) string {
	return key.Namespace + `:` + key.Set + `:` + strconv.FormatInt(key.ID, 10)
}

func hsetArgs(key kv.Key, bins []kv.Bin) []any {
	args := make([]any, 0, 2+len(bins)*2)
	args = append(args, cmdHSet, Key(key))
	for _, b := range bins {
		args = append(args, b.Name, b.Value)
	}
	return args
}

// parseHash accepts the reply to HGETALL, as a RESP2 flat array, or a RESP3
// map.
func parseHash(v any) (map[string]string, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case []any:
		if len(v)%2 != 0 {
			return nil, &kv.ProtocolError{Code: -1, Message: fmt.Sprintf(`redispipe: odd hash length: %d`, len(v))}
		}
		m := make(map[string]string, len(v)/2)
		for i := 0; i < len(v); i += 2 {
			k, ok1 := v[i].(string)
			val, ok2 := v[i+1].(string)
			if !ok1 || !ok2 {
				return nil, &kv.ProtocolError{Code: -1, Message: fmt.Sprintf(`redispipe: unexpected hash entry: %T=%T`, v[i], v[i+1])}
			}
			m[k] = val
		}
		return m, nil
	case map[any]any:
		m := make(map[string]string, len(v))
		for k, val := range v {
			ks, ok1 := k.(string)
			vs, ok2 := val.(string)
			if !ok1 || !ok2 {
				return nil, &kv.ProtocolError{Code: -1, Message: fmt.Sprintf(`redispipe: unexpected hash entry: %T=%T`, k, val)}
			}
			m[ks] = vs
		}
		return m, nil
	case map[string]string:
		return v, nil
	default:
		return nil, &kv.ProtocolError{Code: -1, Message: fmt.Sprintf(`redispipe: unexpected reply: %T`, v)}
	}
}

func parseBins(hash map[string]string) ([]kv.Bin, error) {
	bins := make([]kv.Bin, 0, len(hash))
	for name, s := range hash {
		value, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, &kv.ProtocolError{Code: -1, Message: fmt.Sprintf(`redispipe: bin %q: %v`, name, err)}
		}
		bins = append(bins, kv.Bin{Name: name, Value: value})
	}
	slices.SortFunc(bins, func(a, b kv.Bin) int { return strings.Compare(a.Name, b.Name) })
	return bins, nil
}

// translateError maps server errors (e.g. WRONGTYPE) to protocol errors.
// Everything else is a transport error.
func translateError(err error) error {
	var redisErr goredis.Error
	if errors.As(err, &redisErr) {
		return &kv.ProtocolError{Code: -1, Message: redisErr.Error()}
	}
	return err
}

func isTransport(err error) bool {
	var redisErr goredis.Error
	return !errors.As(err, &redisErr)
}
