// Package redistest starts redis-server processes for the tests of the
// broadcast relay. Tests are skipped when redis-server is not in the
// PATH.
package redistest

import (
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
)

// ClusterConfig is the configuration of the nodes started by
// StartCluster. Its single %s verb is replaced by the port of the node.
var ClusterConfig = `
port %s
cluster-enabled yes
cluster-config-file nodes.%[1]s.conf
cluster-node-timeout 5000
appendonly yes
`

// StartTimeout is the time allowed for a redis-server to accept
// connections.
var StartTimeout = time.Second

// Server is a running redis-server process.
type Server struct {
	Port string
	cmd  *exec.Cmd
}

// Addr returns the address to dial the server.
func (s *Server) Addr() string {
	return ":" + s.Port
}

// Pool returns a small redis pool connected to the server.
func (s *Server) Pool() *redis.Pool {
	addr := s.Addr()
	return &redis.Pool{
		MaxIdle:     2,
		MaxActive:   10,
		IdleTimeout: time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
		TestOnBorrow: func(c redis.Conn, _ time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}
}

// Stop kills the process.
func (s *Server) Stop() {
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
	}
}

// StartServer starts a redis-server on a free port and stops it when
// the test ends. If conf is not empty, it is the configuration given
// to the server on stdin. If w is not nil, the output of the server
// is written to it.
func StartServer(t testing.TB, w io.Writer, conf string) *Server {
	skipIfMissing(t)

	s := start(t, freePort(t), w, conf)
	t.Cleanup(s.Stop)
	return s
}

// Cluster is a set of redis-server processes running in cluster mode.
type Cluster struct {
	Nodes []*Server
}

// Stop kills all nodes of the cluster.
func (c *Cluster) Stop() {
	for _, n := range c.Nodes {
		n.Stop()
	}
}

// StartCluster starts a cluster of 3 nodes configured with
// ClusterConfig. Unlike StartServer, the caller must call Stop.
func StartCluster(t testing.TB, w io.Writer) *Cluster {
	skipIfMissing(t)

	var c Cluster
	for i := 0; i < 3; i++ {
		port := freePort(t)
		c.Nodes = append(c.Nodes, start(t, port, w, fmt.Sprintf(ClusterConfig, port)))
	}
	return &c
}

func skipIfMissing(t testing.TB) {
	if _, err := exec.LookPath("redis-server"); err != nil {
		t.Skip("redis-server not found in $PATH")
	}
}

func start(t testing.TB, port string, w io.Writer, conf string) *Server {
	cmd := exec.Command("redis-server", "--port", port)
	if conf != "" {
		cmd = exec.Command("redis-server", "-")
		cmd.Stdin = strings.NewReader(conf)
	}
	cmd.Stdout, cmd.Stderr = w, w

	require.NoError(t, cmd.Start(), "start redis-server")
	s := &Server{Port: port, cmd: cmd}
	if err := waitAccept(s.Addr(), StartTimeout); err != nil {
		s.Stop()
		require.NoError(t, err, "wait for redis-server")
	}
	t.Logf("redis-server started on port %s", port)
	return s
}

func waitAccept(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err == nil {
			return conn.Close()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("redis-server not accepting on %s: %w", addr, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func freePort(t testing.TB) string {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err, "listen on a free port")
	defer l.Close()

	_, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err, "split listener address")
	return port
}
