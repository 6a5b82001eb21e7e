package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/joeycumines/go-kvpipe/aerospike"
	"github.com/joeycumines/go-kvpipe/client"
	"github.com/joeycumines/go-kvpipe/config"
	"github.com/joeycumines/go-kvpipe/conn"
	"github.com/joeycumines/go-kvpipe/grpcnode"
	izerolog "github.com/joeycumines/go-kvpipe/logiface-zerolog"
	"github.com/joeycumines/go-kvpipe/memnode"
	"github.com/joeycumines/go-kvpipe/metrics"
	"github.com/joeycumines/go-kvpipe/redispipe"
	"github.com/joeycumines/go-kvpipe/window"
	"github.com/joeycumines/go-kvpipe/workflow"
	"github.com/joeycumines/logiface"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// transport is an open conn.Dialer, and the means to release it.
type transport struct {
	dialer conn.Dialer
	closers []func() error
}

func (x *transport) Close() error {
	var errs []error
	for i := len(x.closers) - 1; i >= 0; i-- {
		errs = append(errs, x.closers[i]())
	}
	return errors.Join(errs...)
}

func run(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}

	recorder := metrics.New(``)
	if cfg.Metrics.Addr != `` {
		stop, err := serveMetrics(cfg.Metrics.Addr, recorder, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	t, err := openTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := t.Close(); err != nil {
			logger.Warning().Err(err).Log("transport close failed")
		}
	}()

	topology, err := workflow.ParseTopology(cfg.Topology)
	if err != nil {
		return err
	}
	mode := window.Async
	if cfg.Pipeline {
		mode = window.Pipeline
	}

	logger.Info().
		Str("transport", cfg.Transport).
		Str("topology", cfg.Topology).
		Stringer("mode", mode).
		Int("records", cfg.Records).
		Int("limit", cfg.WindowLimit()).
		Log("starting")

	result, err := workflow.RunTopology(ctx, t.dialer, workflow.TopologyConfig{
		ClientOptions: []client.Option{
			client.WithLogger(logger),
			client.WithConnOptions(conn.Options{
				MaxConns:     cfg.Conn.MaxConns,
				MaxPipeConns: cfg.Conn.MaxPipeConns,
				MaxQueue:     cfg.Conn.MaxQueue,
				MaxInFlight:  cfg.Conn.MaxInFlight,
				DialTimeout:  cfg.Conn.DialTimeout.Duration,
			}),
		},
		Params: workflow.Params{
			Observer:         recorder,
			Logger:           logger,
			Namespace:        cfg.Namespace,
			Set:              cfg.Set,
			Bin:              cfg.Bin,
			Target:           cfg.Records,
			Depth:            cfg.WindowLimit(),
			ProgressInterval: cfg.ProgressInterval.Duration,
			Mode:             mode,
		},
		Loops:    cfg.Loops,
		Topology: topology,
	})
	if err != nil && result.Total == 0 {
		// never started
		return err
	}

	renderSummary(stdout, cfg, result, recorder.Summary())
	return err
}

func newLogger(cfg *config.Config, w io.Writer) (*logiface.Logger[logiface.Event], error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	if !level.Enabled() {
		return nil, nil
	}
	return izerolog.L.New(
		izerolog.L.WithZerolog(zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()),
		izerolog.L.WithLevel(level),
	).Logger(), nil
}

func openTransport(ctx context.Context, cfg *config.Config, logger *logiface.Logger[logiface.Event]) (*transport, error) {
	var t transport
	switch cfg.Transport {
	case config.TransportMemory:
		node, err := newNode(cfg, logger)
		if err != nil {
			return nil, err
		}
		t.dialer = node.Dialer()
		t.closers = append(t.closers, func() error { return node.Close(context.Background()) })

	case config.TransportGRPC:
		addr := cfg.Addr()
		if cfg.Memory.Serve {
			lis, stop, err := serveNode(ctx, cfg, logger)
			if err != nil {
				return nil, err
			}
			t.closers = append(t.closers, stop)
			addr = lis.Addr().String()
		}
		cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf(`grpc: %w`, err)
		}
		t.closers = append(t.closers, cc.Close)
		t.dialer = grpcnode.NewDialer(cc, cfg.Conn.RequestTimeout.Duration)

	case config.TransportAerospike:
		c, err := aerospike.Connect(cfg.Host, cfg.Port)
		if err != nil {
			return nil, err
		}
		t.closers = append(t.closers, func() error {
			c.Close()
			return nil
		})
		t.dialer = aerospike.NewDialer(c, max(cfg.Conn.MaxConns, cfg.Conn.MaxPipeConns))

	case config.TransportRedis:
		c := redispipe.Connect(cfg.Addr(), max(cfg.Conn.MaxConns, cfg.Conn.MaxPipeConns))
		t.closers = append(t.closers, c.Close)
		t.dialer = redispipe.NewDialer(c, cfg.Conn.RequestTimeout.Duration)

	default:
		return nil, fmt.Errorf(`unknown transport: %q`, cfg.Transport)
	}
	return &t, nil
}

func newNode(cfg *config.Config, logger *logiface.Logger[logiface.Event]) (*memnode.Node, error) {
	return memnode.New(
		memnode.WithLogger(logger),
		memnode.WithLatency(cfg.Memory.MinLatency.Duration, cfg.Memory.MaxLatency.Duration),
	)
}

// serveNode serves an in-memory node over gRPC, on the configured address.
func serveNode(ctx context.Context, cfg *config.Config, logger *logiface.Logger[logiface.Event]) (net.Listener, func() error, error) {
	node, err := newNode(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, `tcp`, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		_ = node.Close(context.Background())
		return nil, nil, err
	}
	srv := grpc.NewServer()
	backend := grpcnode.NewServer(node.Dialer(), logger)
	grpcnode.RegisterNodeServer(srv, backend)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(lis) }()
	logger.Info().Str("addr", lis.Addr().String()).Log("serving in-memory node")
	return lis, func() error {
		srv.GracefulStop()
		err := <-done
		if errors.Is(err, grpc.ErrServerStopped) {
			err = nil
		}
		return errors.Join(err, backend.Close(), node.Close(context.Background()))
	}, nil
}

func serveMetrics(addr string, recorder *metrics.Recorder, logger *logiface.Logger[logiface.Event]) (func(), error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(recorder); err != nil {
		return nil, err
	}
	reg.MustRegister(collectors.NewGoCollector())

	lis, err := net.Listen(`tcp`, addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle(`/metrics`, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Err().Err(err).Log("metrics server failed")
		}
	}()
	logger.Info().Str("addr", lis.Addr().String()).Log("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func renderSummary(w io.Writer, cfg *config.Config, result workflow.Result, summary metrics.Summary) {
	tb := tablewriter.NewWriter(w)
	tb.SetHeader([]string{`Transport`, `Topology`, `Mode`, `Written`, `Failed`, `Found`, `Not Found`, `Errors`, `Max In Flight`, `Elapsed`, `QPS`, `Avg`, `P99`, `P99.9`, `Max`})
	tb.Append([]string{
		cfg.Transport,
		cfg.Topology,
		result.Mode.String(),
		strconv.Itoa(result.Written),
		strconv.Itoa(result.Failed),
		strconv.Itoa(result.Found),
		strconv.Itoa(result.NotFound),
		strconv.Itoa(result.BatchErrors),
		strconv.Itoa(result.MaxInFlight),
		result.Elapsed.Round(time.Millisecond).String(),
		strconv.FormatFloat(summary.QPS, 'f', 1, 64),
		summary.Mean.String(),
		summary.P99.String(),
		summary.P999.String(),
		summary.Max.String(),
	})
	tb.Render()

	if result.Err != nil {
		fmt.Fprintf(w, "Batch read failed: %v\n", result.Err)
	}
	if result.WriteErr != nil {
		fmt.Fprintf(w, "First write error: %v\n", result.WriteErr)
	}
	fmt.Fprintf(w, "Found %d/%d records\n", result.Found, result.Total)
}
