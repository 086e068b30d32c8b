package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nasa-jpl/bkarb/bkprecision"
	"github.com/nasa-jpl/bkarb/generichttp"
	"github.com/nasa-jpl/bkarb/panel"
	"github.com/nasa-jpl/bkarb/server/middleware/locker"
)

// Config is the arbpanel configuration, loaded from defaults and arbpanel.yml
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Resource is the VISA resource string of the generator, e.g.
	// USB0::0xF4EC::0xEE38::515E21166::INSTR or TCPIP0::192.168.100.50::5025::SOCKET
	Resource string `koanf:"Resource" yaml:"Resource"`

	// Mock replaces the generator with a simulation
	Mock bool `koanf:"Mock" yaml:"Mock"`

	// Endpoint is the URL the routes are served under, e.g. "omc/arb"
	Endpoint string `koanf:"Endpoint" yaml:"Endpoint"`

	// PollInterval is the refresh period of the reported values
	PollInterval time.Duration `koanf:"PollInterval" yaml:"PollInterval"`

	// PoolTimeout is how long an idle connection to the generator is held open
	PoolTimeout time.Duration `koanf:"PoolTimeout" yaml:"PoolTimeout"`

	// CommandInterval is the minimum spacing between commands, zero for none
	CommandInterval time.Duration `koanf:"CommandInterval" yaml:"CommandInterval"`

	// Handshaking appends an error query to every write
	Handshaking bool `koanf:"Handshaking" yaml:"Handshaking"`

	// LogFile is rotated at LogMaxSizeMB.  Empty logs to stderr only
	LogFile      string `koanf:"LogFile" yaml:"LogFile"`
	LogMaxSizeMB int    `koanf:"LogMaxSizeMB" yaml:"LogMaxSizeMB"`
}

// DefaultConfig is used for every key the config file does not set
func DefaultConfig() Config {
	return Config{
		Addr:         ":8000",
		Resource:     "USB0::0xF4EC::0xEE38::515E21166::INSTR",
		Endpoint:     "arb",
		PollInterval: panel.DefaultPollInterval,
		PoolTimeout:  time.Minute,
		LogFile:      "arbpanel.log",
		LogMaxSizeMB: 10,
	}
}

// unmarshal decodes k into a Config.  Durations may be written as "100ms".
func unmarshal(k *koanf.Koanf) (Config, error) {
	c := Config{}
	err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			WeaklyTypedInput: true,
			Result:           &c,
		},
	})
	return c, err
}

// options converts the config to generator options
func (c Config) options() bkprecision.Options {
	return bkprecision.Options{
		PoolTimeout:     c.PoolTimeout,
		CommandInterval: c.CommandInterval,
		Handshaking:     c.Handshaking,
	}
}

// logWriter returns where the log goes: stderr, and the rotated log file if
// one is configured
func logWriter(c Config) io.Writer {
	if c.LogFile == "" {
		return os.Stderr
	}
	return io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    c.LogMaxSizeMB,
		MaxBackups: 3,
		MaxAge:     28,
	})
}

// NewGenerator connects to the configured generator, or a mock of one
func NewGenerator(c Config) (*bkprecision.Generator, error) {
	if c.Mock {
		log.Println("using a simulated 4054B")
		return bkprecision.NewGeneratorWithMaker(bkprecision.NewMock().Maker(), c.options()), nil
	}
	return bkprecision.NewGenerator(c.Resource, c.options())
}

type node struct {
	routes generichttp.RouteTable
}

func (n node) RT() generichttp.RouteTable { return n.routes }

// BuildMux mounts the panel routes and the read-only generator routes,
// guarded by a lock, at c.Endpoint.  The root serves /endpoints, a JSON map of mount point to routes.
func BuildMux(c Config, gen *bkprecision.Generator, st *panel.State) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	// the generator is read directly; anything that changes it goes through
	// the panel so requested values stay current and calls stay serialized
	n := node{routes: generichttp.RouteTable{}}
	for k, v := range bkprecision.NewHTTPWrapper(gen).RT() {
		if k.Method == http.MethodGet {
			n.routes[k] = v
		}
	}
	for k, v := range panel.NewHTTPWrapper(st).RT() {
		n.routes[k] = v
	}
	lock := locker.New()
	locker.Inject(n, lock)

	hndlS := generichttp.SubMuxSanitize(c.Endpoint)
	supergraph := map[string][]string{hndlS: n.RT().Endpoints()}

	r := chi.NewRouter()
	r.Use(lock.Check)
	n.RT().Bind(r)
	root.Mount(hndlS, r)
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
