// Command socklet-server implements a socklet server that listens for
// connections and dispatches their messages. It is mostly useful as a
// testing and debugging tool, typical applications will use the socklet
// package as a library in their own main command.
//
// The server registers the following events:
//
//     echo       sends the data back in a dispatch message
//     broadcast  sends the data to all connections in a dispatch message
//     note       stores the data as extra data of the connection
//
// and optionally the close and panic events set in the configuration.
package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/redisc"
	"github.com/mna/socklet"
	"github.com/mna/socklet/broker"
	"github.com/mna/socklet/broker/redisbroker"
	"github.com/mna/socklet/internal/srvhandler"
	"golang.org/x/time/rate"
)

var (
	configFlag       = flag.String("config", "", "Path of the configuration `file`.")
	debugAddrFlag    = flag.String("debug", "", "Debug HTTP server `address` for expvar and pprof.")
	helpFlag         = flag.Bool("help", false, "Show help.")
	noLogFlag        = flag.Bool("L", false, "Disable logging.")
	portFlag         = flag.Int("port", 9000, "Server `port`.")
	redisAddrFlag    = flag.String("redis", "", "Redis `address` to relay broadcasts.")
	redisClusterFlag = flag.Bool("redis-cluster", false, "Use redis cluster.")
	redisMaxIdleFlag = flag.Int("redis-max-idle", 0, "Maximum idle `connections`.")
)

func main() {
	flag.Parse()
	if *helpFlag {
		flag.Usage()
		return
	}

	conf, err := getConfigFromFile(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	logFn := log.Printf
	if *noLogFlag {
		logFn = socklet.DiscardLog
	}

	// create pool and broker if broadcasts are relayed
	var psb broker.PubSubBroker
	if conf.Redis.Addr != "" {
		createPoolFn := redisPoolCreateFunc(conf.Redis)
		var pool redisbroker.Pool
		var dial func() (redis.Conn, error)

		if conf.Redis.Cluster {
			cluster, err := newRedisCluster(conf.Redis.Addr, createPoolFn)
			if err != nil {
				log.Fatalf("failed to connect to redis cluster: %v", err)
			}
			pool, dial = cluster, cluster.Dial
			logFn("redis cluster configured on %s", conf.Redis.Addr)
		} else {
			p, err := createPoolFn(conf.Redis.Addr)
			if err != nil {
				log.Fatalf("failed to connect to redis pool: %v", err)
			}
			pool, dial = p, p.Dial
			logFn("redis pool configured on %s", conf.Redis.Addr)
		}
		psb = newPubSubBroker(pool, dial, logFn)
	}

	srv := newServer(conf, psb, logFn)
	srv.Vars = expvar.NewMap("socklet")
	srv.Handler = newHandler(logFn)
	registerEvents(srv, conf.Server)
	socklet.SlowProcessMsgThreshold = conf.Server.SlowProcessMsgThreshold

	if addr := conf.Server.DebugAddr; addr != "" {
		go func() {
			logFn("serving expvar and pprof on %s", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				logFn("debug server failed: %v", err)
			}
		}()
	}

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		logFn("interrupted, closing listener")
		srv.Close()
	}()

	logFn("listening for connections on %s", conf.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && err != socklet.ErrServerClosed {
		log.Fatalf("ListenAndServe failed: %v", err)
	}
}

func newHandler(logFn func(string, ...interface{})) socklet.Handler {
	chain := []socklet.Handler{socklet.HandlerFunc(socklet.ProcessMsg)}
	if !*noLogFlag {
		chain = append([]socklet.Handler{srvhandler.LogMsg(logFn)}, chain...)
	}
	return socklet.PanicRecover(socklet.Chain(chain...))
}

func registerEvents(srv *socklet.Server, conf *Server) {
	srv.Events.Register("echo", srvhandler.Echo("echo"))
	srv.Events.Register("broadcast", srvhandler.Broadcast(srv, "broadcast"))
	srv.Events.RegisterFunc("note", srvhandler.Annotate)

	if ev := conf.CloseEvent; ev != "" {
		srv.Events.RegisterFunc(ev, func(ctx context.Context, c *socklet.Conn, data string) {
			c.Close(nil)
		})
	}
	if ev := conf.PanicEvent; ev != "" {
		srv.Events.RegisterFunc(ev, func(ctx context.Context, c *socklet.Conn, data string) {
			panic("called panic event")
		})
	}
}

func newPubSubBroker(pool redisbroker.Pool, dial func() (redis.Conn, error), logFn func(string, ...interface{})) broker.PubSubBroker {
	return &redisbroker.Broker{
		Pool:    pool,
		Dial:    dial,
		LogFunc: logFn,
		Vars:    expvar.NewMap("redisbroker"),
	}
}

func newServer(conf *Config, pubSub broker.PubSubBroker, logFn func(string, ...interface{})) *socklet.Server {
	sc := conf.Server

	cs := srvhandler.LogConn(logFn)
	if *noLogFlag {
		cs = nil
	}
	var auth socklet.Authenticator
	if len(conf.Auth.Tokens) > 0 {
		auth = socklet.BearerAuth(conf.Auth.Tokens...)
	}
	return &socklet.Server{
		Addr:                    sc.Addr,
		Network:                 sc.Network,
		MaxHeaderBytes:          sc.MaxHeaderBytes,
		ReadBufferSize:          sc.ReadBufferSize,
		ReadLimit:               sc.ReadLimit,
		WriteLimit:              sc.WriteLimit,
		WriteTimeout:            sc.WriteTimeout,
		AcquireWriteLockTimeout: sc.AcquireWriteLockTimeout,
		MessageRate:             rate.Limit(sc.MessageRate),
		MessageBurst:            sc.MessageBurst,
		Auth:                    auth,
		ConnState:               cs,
		Events:                  &socklet.Router{LogFunc: logFn},
		PubSub:                  pubSub,
		BroadcastChannel:        conf.Redis.Channel,
		LogFunc:                 logFn,
	}
}

func newRedisCluster(addr string, createPool func(string, ...redis.DialOption) (*redis.Pool, error)) (*redisc.Cluster, error) {
	c := &redisc.Cluster{
		StartupNodes: []string{addr},
		CreatePool:   createPool,
	}
	err := c.Refresh()
	return c, err
}

func redisPoolCreateFunc(conf *Redis) func(string, ...redis.DialOption) (*redis.Pool, error) {
	return func(addr string, opts ...redis.DialOption) (*redis.Pool, error) {
		p := &redis.Pool{
			MaxIdle:     conf.MaxIdle,
			MaxActive:   conf.MaxActive,
			IdleTimeout: conf.IdleTimeout,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr, opts...)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				_, err := c.Do("PING")
				return err
			},
		}

		// test the connection so that it fails fast if redis is not available
		c := p.Get()
		defer c.Close()

		if _, err := c.Do("PING"); err != nil {
			return nil, err
		}
		return p, nil
	}
}
