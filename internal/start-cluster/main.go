// Command start-cluster starts a local redis cluster for the broadcast
// relay tests and the socklet-server -redis-cluster flag. It prints the
// node addresses and runs until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"testing"

	"github.com/mna/socklet/internal/redistest"
)

func main() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	t := &testing.T{}
	cluster := redistest.StartCluster(t, os.Stdout)
	for _, n := range cluster.Nodes {
		fmt.Printf("node listening on %s\n", n.Addr())
	}
	<-c
	cluster.Stop()
}
