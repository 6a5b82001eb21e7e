// Package config models the configuration of the kvpipe driver, as loaded
// from an optional TOML file, then overridden by flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/logiface"
)

// Transport names.
const (
	TransportMemory    = `memory`
	TransportGRPC      = `grpc`
	TransportAerospike = `aerospike`
	TransportRedis     = `redis`
)

// Topology names, see also workflow.ParseTopology.
const (
	TopologyInternal = `internal`
	TopologyShared   = `shared`
	TopologyInline   = `inline`
)

const (
	defaultTransport    = TransportMemory
	defaultHost         = `127.0.0.1`
	defaultNamespace    = `test`
	defaultSet          = `test`
	defaultBin          = `test-bin`
	defaultRecords      = 5000
	defaultQueueSize    = 100
	defaultPipeDepth    = 1000
	defaultMaxConns     = 200
	defaultMaxPipeConns = 32
	defaultLoops        = 1
	defaultTopology     = TopologyInternal
	defaultLogLevel     = `info`
	defaultDialTimeout  = 5 * time.Second
	defaultTimeout      = 10 * time.Second
)

var defaultPorts = map[string]int{
	TransportGRPC:      50051,
	TransportAerospike: 3000,
	TransportRedis:     6379,
}

type (
	// Config is the top level configuration.
	Config struct {
		Transport string `toml:"transport"`
		Host      string `toml:"host"`
		Port      int    `toml:"port"`

		Namespace string `toml:"namespace"`
		Set       string `toml:"set"`
		Bin       string `toml:"bin"`

		// Records is the number of records written, then read back.
		Records int `toml:"records"`

		Pipeline bool `toml:"pipeline"`
		// QueueSize is the window limit, if not pipelined.
		QueueSize int `toml:"queue-size"`
		// PipeDepth is the window limit, if pipelined.
		PipeDepth int `toml:"pipe-depth"`

		Topology string `toml:"topology"`
		Loops    int    `toml:"loops"`

		ProgressInterval Duration `toml:"progress-interval"`

		Conn    ConnConfig    `toml:"conn"`
		Memory  MemoryConfig  `toml:"memory"`
		Log     LogConfig     `toml:"log"`
		Metrics MetricsConfig `toml:"metrics"`
	}

	// ConnConfig bounds the wires of each connection.
	ConnConfig struct {
		MaxConns     int      `toml:"max-conns"`
		MaxPipeConns int      `toml:"max-pipe-conns"`
		MaxQueue     int      `toml:"max-queue"`
		MaxInFlight  int      `toml:"max-in-flight"`
		DialTimeout  Duration `toml:"dial-timeout"`
		// RequestTimeout bounds each call, for transports that support it.
		RequestTimeout Duration `toml:"request-timeout"`
	}

	// MemoryConfig configures the in-process node, used by the memory
	// transport, and served by the grpc transport when Serve is set.
	MemoryConfig struct {
		MinLatency Duration `toml:"min-latency"`
		MaxLatency Duration `toml:"max-latency"`
		// Serve starts an in-process gRPC server, for the grpc transport.
		Serve bool `toml:"serve"`
	}

	LogConfig struct {
		Level string `toml:"level"`
	}

	MetricsConfig struct {
		// Addr serves Prometheus metrics over HTTP, if set.
		Addr string `toml:"addr"`
	}

	// Duration wraps time.Duration, to decode strings like "1.5s".
	Duration struct {
		time.Duration
	}
)

var (
	transports = [...]string{TransportMemory, TransportGRPC, TransportAerospike, TransportRedis}
	topologies = [...]string{TopologyInternal, TopologyShared, TopologyInline}

	logLevels = map[string]logiface.Level{
		`disabled`: logiface.LevelDisabled,
		`none`:     logiface.LevelDisabled,
		`emerg`:    logiface.LevelEmergency,
		`panic`:    logiface.LevelEmergency,
		`alert`:    logiface.LevelAlert,
		`crit`:     logiface.LevelCritical,
		`fatal`:    logiface.LevelCritical,
		`err`:      logiface.LevelError,
		`error`:    logiface.LevelError,
		`warning`:  logiface.LevelWarning,
		`warn`:     logiface.LevelWarning,
		`notice`:   logiface.LevelNotice,
		`info`:     logiface.LevelInformational,
		`debug`:    logiface.LevelDebug,
		`trace`:    logiface.LevelTrace,
	}
)

// NewConfig returns a Config with every default applied.
func NewConfig() *Config {
	var c Config
	c.Adjust()
	return &c
}

// Load decodes the TOML file at path over the defaults, then validates the
// result. Unknown keys are an error.
func Load(path string) (*Config, error) {
	var c Config
	meta, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, fmt.Errorf(`config: %w`, err)
	}
	if err := checkUndecoded(meta); err != nil {
		return nil, err
	}
	c.Adjust()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Decode is Load, for a TOML document.
func Decode(data string) (*Config, error) {
	var c Config
	meta, err := toml.Decode(data, &c)
	if err != nil {
		return nil, fmt.Errorf(`config: %w`, err)
	}
	if err := checkUndecoded(meta); err != nil {
		return nil, err
	}
	c.Adjust()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func checkUndecoded(meta toml.MetaData) error {
	undecoded := meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, len(undecoded))
	for i, k := range undecoded {
		keys[i] = k.String()
	}
	return fmt.Errorf(`config: unknown keys: %s`, strings.Join(keys, `, `))
}

// Adjust fills every unset value with its default.
func (c *Config) Adjust() {
	adjustString(&c.Transport, defaultTransport)
	adjustString(&c.Host, defaultHost)
	adjustInt(&c.Port, defaultPorts[c.Transport])
	adjustString(&c.Namespace, defaultNamespace)
	adjustString(&c.Set, defaultSet)
	adjustString(&c.Bin, defaultBin)
	adjustInt(&c.Records, defaultRecords)
	adjustInt(&c.QueueSize, defaultQueueSize)
	adjustInt(&c.PipeDepth, defaultPipeDepth)
	adjustString(&c.Topology, defaultTopology)
	adjustInt(&c.Loops, defaultLoops)
	adjustInt(&c.Conn.MaxConns, defaultMaxConns)
	adjustInt(&c.Conn.MaxPipeConns, defaultMaxPipeConns)
	adjustDuration(&c.Conn.DialTimeout, defaultDialTimeout)
	adjustDuration(&c.Conn.RequestTimeout, defaultTimeout)
	adjustString(&c.Log.Level, defaultLogLevel)
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

// Validate checks the values of an adjusted Config.
func (c *Config) Validate() error {
	var errs []error
	if !contains(transports[:], c.Transport) {
		errs = append(errs, fmt.Errorf(`unknown transport: %q`, c.Transport))
	}
	if !contains(topologies[:], c.Topology) {
		errs = append(errs, fmt.Errorf(`unknown topology: %q`, c.Topology))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf(`invalid port: %d`, c.Port))
	}
	if c.Records < 0 {
		errs = append(errs, fmt.Errorf(`invalid records: %d`, c.Records))
	}
	if c.QueueSize < 1 {
		errs = append(errs, fmt.Errorf(`invalid queue-size: %d`, c.QueueSize))
	}
	if c.PipeDepth < 1 {
		errs = append(errs, fmt.Errorf(`invalid pipe-depth: %d`, c.PipeDepth))
	}
	if c.Loops < 1 {
		errs = append(errs, fmt.Errorf(`invalid loops: %d`, c.Loops))
	}
	if c.Topology == TopologyInline && c.Loops != 1 {
		errs = append(errs, fmt.Errorf(`topology %s requires exactly one loop`, TopologyInline))
	}
	if c.ProgressInterval.Duration < 0 {
		errs = append(errs, fmt.Errorf(`invalid progress-interval: %s`, c.ProgressInterval))
	}
	if c.Conn.MaxConns < 0 || c.Conn.MaxPipeConns < 0 || c.Conn.MaxQueue < 0 || c.Conn.MaxInFlight < 0 ||
		c.Conn.DialTimeout.Duration < 0 || c.Conn.RequestTimeout.Duration < 0 {
		errs = append(errs, errors.New(`conn limits and timeouts must not be negative`))
	}
	if c.Memory.MinLatency.Duration < 0 || c.Memory.MaxLatency.Duration < c.Memory.MinLatency.Duration {
		errs = append(errs, fmt.Errorf(`invalid memory latency range: [%s, %s]`, c.Memory.MinLatency, c.Memory.MaxLatency))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf(`config: %w`, err)
	}
	return nil
}

// Addr joins Host and Port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WindowLimit returns QueueSize or PipeDepth, depending on Pipeline.
func (c *Config) WindowLimit() int {
	if c.Pipeline {
		return c.PipeDepth
	}
	return c.QueueSize
}

// LogLevel parses Log.Level, accepting the syslog keywords used by
// logiface.Level.String, and the common aliases (e.g. warn, error).
func (c *Config) LogLevel() (logiface.Level, error) {
	return ParseLogLevel(c.Log.Level)
}

// ParseLogLevel parses a log level, case-insensitively.
func ParseLogLevel(s string) (logiface.Level, error) {
	if level, ok := logLevels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level, nil
	}
	return logiface.LevelDisabled, fmt.Errorf(`unknown log level: %q`, s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
