package main

import (
	"errors"
	"io"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"github.com/mna/socklet"
	"gopkg.in/yaml.v2"
)

// Redis defines the redis-specific configuration options. Redis is
// only used to relay broadcasts between server instances, it is
// disabled if Addr is empty.
type Redis struct {
	Addr        string        `yaml:"addr"`
	Cluster     bool          `yaml:"cluster"`
	MaxActive   int           `yaml:"max_active"`
	MaxIdle     int           `yaml:"max_idle"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Channel     string        `yaml:"channel"`
}

// Auth defines the authentication configuration options. If Tokens is
// not empty, upgrade requests must carry one of the tokens in an
// "Authorization: Bearer <token>" header.
type Auth struct {
	Tokens []string `yaml:"tokens"`
}

// Server defines the socklet server configuration options.
type Server struct {
	// listener and handshake configuration
	Addr           string `yaml:"addr"`
	Network        string `yaml:"network"`
	MaxHeaderBytes int    `yaml:"max_header_bytes"`
	ReadBufferSize int    `yaml:"read_buffer_size"`

	// connection configuration, a negative read limit disables it
	ReadLimit               int64         `yaml:"read_limit"`
	WriteLimit              int64         `yaml:"write_limit"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	AcquireWriteLockTimeout time.Duration `yaml:"acquire_write_lock_timeout"`
	MessageRate             float64       `yaml:"message_rate"`
	MessageBurst            int           `yaml:"message_burst"`
	SlowProcessMsgThreshold time.Duration `yaml:"slow_process_msg_threshold"`

	// address of the expvar and pprof HTTP endpoints, disabled if empty
	DebugAddr string `yaml:"debug_addr"`

	// handler options
	CloseEvent string `yaml:"close_event"`
	PanicEvent string `yaml:"panic_event"`
}

// Config defines the configuration options of the server.
type Config struct {
	Redis  *Redis  `yaml:"redis"`
	Auth   *Auth   `yaml:"auth"`
	Server *Server `yaml:"server"`
}

func getDefaultConfig() *Config {
	return &Config{
		Redis: &Redis{
			Addr:    *redisAddrFlag,
			Cluster: *redisClusterFlag,
			MaxIdle: *redisMaxIdleFlag,
		},
		Auth: &Auth{},
		Server: &Server{
			Addr:                    ":" + strconv.Itoa(*portFlag),
			Network:                 "tcp4",
			MaxHeaderBytes:          0,
			ReadBufferSize:          0,
			ReadLimit:               socklet.DefaultReadLimit,
			WriteLimit:              0,
			WriteTimeout:            0,
			AcquireWriteLockTimeout: 0,
			SlowProcessMsgThreshold: 100 * time.Millisecond,
			DebugAddr:               *debugAddrFlag,
			CloseEvent:              "",
			PanicEvent:              "",
		},
	}
}

func getConfigFromReader(r io.Reader) (*Config, error) {
	conf := getDefaultConfig()

	// set default values
	if r != nil {
		b, err := ioutil.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, err
		}
	}
	return conf, checkConfig(conf)
}

func getConfigFromFile(file string) (*Config, error) {
	var r io.Reader
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		r = f
	}
	return getConfigFromReader(r)
}

func checkConfig(conf *Config) error {
	if conf.Server == nil {
		return errors.New("server section must be configured")
	}
	switch conf.Server.Network {
	case "tcp", "tcp4", "tcp6":
	default:
		return errors.New("server.network must be one of tcp, tcp4 or tcp6")
	}
	if conf.Server.MessageRate < 0 || conf.Server.MessageBurst < 0 {
		return errors.New("server.message_rate and server.message_burst must not be negative")
	}
	if conf.Server.CloseEvent != "" && conf.Server.CloseEvent == conf.Server.PanicEvent {
		return errors.New("server.close_event and server.panic_event must be different")
	}
	if conf.Redis != nil && conf.Redis.Cluster && conf.Redis.Addr == "" {
		return errors.New("redis.addr must be configured to use a redis cluster")
	}
	return nil
}
