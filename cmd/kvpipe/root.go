package main

import (
	"io"

	"github.com/joeycumines/go-kvpipe/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// flags holds the raw flag values, applied over the config if changed.
type flags struct {
	configFile   string
	transport    string
	host         string
	port         int
	namespace    string
	set          string
	bin          string
	records      int
	pipeline     bool
	shareLoop    bool
	loops        int
	queueSize    int
	pipeDepth    int
	topology     string
	logLevel     string
	metricsAddr  string
	maxConns     int
	maxPipeConns int
	serve        bool
	progress     config.Duration
	minLatency   config.Duration
	maxLatency   config.Duration
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "kvpipe",
		Short: "Write records through a bounded request window, then batch read them back",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd.Flags())
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return run(cmd.Context(), cfg, stdout, stderr)
		},
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f.register(cmd.Flags())

	return cmd
}

func (f *flags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configFile, "config", "c", "", "TOML config file, overridden by flags")
	fs.StringVarP(&f.transport, "transport", "t", config.TransportMemory, "transport: memory, grpc, aerospike, redis")
	fs.StringVarP(&f.host, "host", "h", "127.0.0.1", "server host")
	fs.IntVarP(&f.port, "port", "p", 0, "server port (default depends on transport)")
	fs.StringVarP(&f.namespace, "namespace", "n", "test", "namespace")
	fs.StringVarP(&f.set, "set", "s", "test", "set name")
	fs.StringVar(&f.bin, "bin", "test-bin", "bin name")
	fs.IntVarP(&f.records, "records", "r", 5000, "number of records to write, then read back")
	fs.BoolVarP(&f.pipeline, "pipeline", "P", false, "pipeline requests over shared connections")
	fs.BoolVarP(&f.shareLoop, "share-loop", "S", false, "run on loops owned by the caller (shared topology)")
	fs.IntVarP(&f.loops, "loops", "l", 1, "number of event loops")
	fs.IntVar(&f.queueSize, "queue-size", 100, "in-flight request limit, if not pipelined")
	fs.IntVar(&f.pipeDepth, "pipe-depth", 1000, "pipeline depth, if pipelined")
	fs.StringVar(&f.topology, "topology", config.TopologyInternal, "loop topology: internal, shared, inline")
	fs.StringVarP(&f.logLevel, "log-level", "L", "info", "log level: trace, debug, info, notice, warning, err, crit, alert, emerg, none")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	fs.IntVar(&f.maxConns, "max-conns", 200, "max connections per node, if not pipelined")
	fs.IntVar(&f.maxPipeConns, "max-pipe-conns", 32, "max connections per node, if pipelined")
	fs.BoolVar(&f.serve, "serve", false, "serve an in-memory node, for the grpc transport")
	fs.Var(durationValue{&f.progress}, "progress", "progress logging interval, disabled if 0")
	fs.Var(durationValue{&f.minLatency}, "min-latency", "minimum simulated latency, for the in-memory node")
	fs.Var(durationValue{&f.maxLatency}, "max-latency", "maximum simulated latency, for the in-memory node")

	// -h is the host
	fs.Bool("help", false, "help for kvpipe")
}

// load builds the config from the optional file, then every changed flag.
func (f *flags) load(fs *pflag.FlagSet) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.configFile != "" {
		cfg, err = config.Load(f.configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.NewConfig()
	}

	// the default port depends on the transport
	if fs.Changed("transport") && !fs.Changed("port") && cfg.Transport != f.transport {
		cfg.Port = 0
	}

	setString(fs, "transport", &cfg.Transport, f.transport)
	setString(fs, "host", &cfg.Host, f.host)
	setInt(fs, "port", &cfg.Port, f.port)
	setString(fs, "namespace", &cfg.Namespace, f.namespace)
	setString(fs, "set", &cfg.Set, f.set)
	setString(fs, "bin", &cfg.Bin, f.bin)
	setInt(fs, "records", &cfg.Records, f.records)
	setBool(fs, "pipeline", &cfg.Pipeline, f.pipeline)
	setInt(fs, "loops", &cfg.Loops, f.loops)
	setInt(fs, "queue-size", &cfg.QueueSize, f.queueSize)
	setInt(fs, "pipe-depth", &cfg.PipeDepth, f.pipeDepth)
	setString(fs, "topology", &cfg.Topology, f.topology)
	if fs.Changed("share-loop") && f.shareLoop {
		cfg.Topology = config.TopologyShared
	}
	setString(fs, "log-level", &cfg.Log.Level, f.logLevel)
	setString(fs, "metrics-addr", &cfg.Metrics.Addr, f.metricsAddr)
	setInt(fs, "max-conns", &cfg.Conn.MaxConns, f.maxConns)
	setInt(fs, "max-pipe-conns", &cfg.Conn.MaxPipeConns, f.maxPipeConns)
	setBool(fs, "serve", &cfg.Memory.Serve, f.serve)
	if fs.Changed("progress") {
		cfg.ProgressInterval = f.progress
	}
	if fs.Changed("min-latency") {
		cfg.Memory.MinLatency = f.minLatency
	}
	if fs.Changed("max-latency") {
		cfg.Memory.MaxLatency = f.maxLatency
	}

	cfg.Adjust()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setString(fs *pflag.FlagSet, name string, dst *string, v string) {
	if fs.Changed(name) {
		*dst = v
	}
}

func setInt(fs *pflag.FlagSet, name string, dst *int, v int) {
	if fs.Changed(name) {
		*dst = v
	}
}

func setBool(fs *pflag.FlagSet, name string, dst *bool, v bool) {
	if fs.Changed(name) {
		*dst = v
	}
}

// durationValue implements pflag.Value, for config.Duration.
type durationValue struct{ d *config.Duration }

func (v durationValue) String() string {
	if v.d == nil {
		return "0s"
	}
	return v.d.String()
}

func (v durationValue) Set(s string) error { return v.d.UnmarshalText([]byte(s)) }

func (durationValue) Type() string { return "duration" }
