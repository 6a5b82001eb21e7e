// Package batch reads back a set of keys with a single batch request, and
// reports how many were found, exactly once.
package batch

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-kvpipe/kv"
	"github.com/joeycumines/logiface"
)

type (
	// Config models the parameters of a Coordinator.
	Config struct {
		// OnDone is called exactly once, on the loop, with the outcome of the
		// batch. Required.
		OnDone func(Report)

		// Logger receives one line per key that was not found, or failed,
		// subject to rate limiting.
		Logger *logiface.Logger[logiface.Event]
	}

	// Report is the outcome of a batch read.
	Report struct {
		// Err is set if the batch failed as a whole, in which case Found,
		// NotFound, and Failed are all zero.
		Err      error
		Found    int
		NotFound int
		Failed   int
		Total    int
	}

	// Coordinator issues a single batch read. See New.
	Coordinator struct {
		conn     kv.Conn
		limiter  *catrate.Limiter
		batch    *kv.Batch
		cfg      Config
		keys     []kv.Key
		read     bool
		resolved bool
	}
)

// New returns a Coordinator over keys, which must be read, once, via
// Coordinator.Read, on the loop that owns conn.
func New(conn kv.Conn, keys []kv.Key, cfg Config) (*Coordinator, error) {
	if conn == nil {
		return nil, fmt.Errorf(`batch: nil conn`)
	}
	if cfg.OnDone == nil {
		return nil, fmt.Errorf(`batch: OnDone is required`)
	}
	c := Coordinator{
		conn: conn,
		cfg:  cfg,
		keys: keys,
	}
	if cfg.Logger != nil {
		c.limiter = catrate.NewLimiter(map[time.Duration]int{
			time.Second: 20,
		})
	}
	return &c, nil
}

// Read issues the batch. A synchronous failure is reported through OnDone,
// before Read returns, exactly as an asynchronous one would be.
func (c *Coordinator) Read() {
	if c.read {
		panic(`batch: already read`)
	}
	c.read = true
	c.batch = kv.NewBatch(c.keys)
	if err := c.conn.BatchRead(c.batch, c.resolve); err != nil {
		c.resolve(c.batch, err)
	}
}

// Resolved reports whether OnDone has been called.
func (c *Coordinator) Resolved() bool {
	return c.resolved
}

func (c *Coordinator) resolve(b *kv.Batch, err error) {
	if c.resolved {
		c.cfg.Logger.Err().
			Err(err).
			Log("batch: duplicate completion ignored")
		return
	}
	c.resolved = true

	report := Report{Total: len(c.keys)}
	if err != nil {
		report.Err = err
		c.cfg.Logger.Err().
			Err(err).
			Int("total", report.Total).
			Log("batch: read failed")
	} else {
		for i := range b.Records {
			r := &b.Records[i]
			switch r.Result {
			case kv.ResultOK:
				report.Found++
			case kv.ResultNotFound:
				report.NotFound++
				c.logRecord(c.cfg.Logger.Info(), r, "batch: not found")
			default:
				report.Failed++
				c.logRecord(c.cfg.Logger.Warning(), r, "batch: record failed")
			}
		}
	}

	b.Release()
	c.batch = nil
	c.cfg.OnDone(report)
}

func (c *Coordinator) logRecord(b *logiface.Builder[logiface.Event], r *kv.BatchRecord, msg string) {
	if b == nil {
		return
	}
	if _, ok := c.limiter.Allow(r.Result); !ok {
		b.Release()
		return
	}
	b.Int64("id", r.Key.ID).
		Str("namespace", r.Key.Namespace).
		Str("set", r.Key.Set).
		Err(r.Err).
		Log(msg)
}

// String implements fmt.Stringer.
func (x Report) String() string {
	if x.Err != nil {
		return fmt.Sprintf(`Batch failed: %v (found 0/%d records)`, x.Err, x.Total)
	}
	return fmt.Sprintf(`Found %d/%d records`, x.Found, x.Total)
}
