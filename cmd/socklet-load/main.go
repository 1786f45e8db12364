// Command socklet-load is a socklet load generator. It runs a
// number of client connections to a server, and for a given
// duration, emits events that the server echoes back, and
// collects round-trip latencies and statistics.
//
// The server must register an event that replies with a dispatch
// message carrying the same data, such as the echo event of the
// socklet-server command.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mna/socklet/client"
	"github.com/mna/socklet/message"
	"github.com/sugawarayuuta/sonnet"
)

var (
	addrFlag     = flag.String("addr", "ws://localhost:9000/", "Server `address`.")
	connFlag     = flag.Int("c", 100, "Number of `connections`.")
	durationFlag = flag.Duration("d", 10*time.Second, "Run `duration`.")
	debugFlag    = flag.String("debug", "", "Server debug `URL` to collect expvars, e.g. http://localhost:9001.")
	delayFlag    = flag.Duration("delay", 0, "Start execution after `delay`.")
	eventFlag    = flag.String("e", "echo", "Echo `event` name.")
	helpFlag     = flag.Bool("help", false, "Show help.")
	payloadFlag  = flag.String("p", "100", "Event `payload`.")
	rateFlag     = flag.Duration("r", 100*time.Millisecond, "Emit `rate` per connection.")
	timeoutFlag  = flag.Duration("t", time.Second, "Reply `timeout`.")
	tokenFlag    = flag.String("token", "", "Bearer `token` for authentication.")
	waitFlag     = flag.Duration("w", 5*time.Second, "Wait `duration` for connections to stop.")
)

func main() {
	flag.Parse()
	if *helpFlag {
		flag.Usage()
		return
	}

	log.SetFlags(0)

	if *connFlag <= 0 {
		log.Fatalf("invalid -c value, must be greater than 0")
	}

	<-time.After(*delayFlag)
	rand.Seed(time.Now().UnixNano())

	stats := &runStats{
		Addr:     *addrFlag,
		Event:    *eventFlag,
		Payload:  *payloadFlag,
		Conns:    *connFlag,
		Rate:     *rateFlag,
		Timeout:  *timeoutFlag,
		Duration: *durationFlag,
	}

	var before *expVars
	if *debugFlag != "" {
		before = getExpVars(*debugFlag)
	}

	clientStarted := make(chan struct{})
	resLatency := make(chan []time.Duration)
	stop := make(chan struct{})
	for i := 0; i < stats.Conns; i++ {
		go runClient(stats, clientStarted, stop, resLatency)
	}

	// start clients with some jitter, up to 10ms
	log.Printf("%d connections started...", stats.Conns)
	start := time.Now()
	for i := 0; i < stats.Conns; i++ {
		<-time.After(time.Duration(rand.Intn(int(10 * time.Millisecond))))
		<-clientStarted
	}

	// run for the requested duration and signal stop
	<-time.After(stats.Duration)
	close(stop)
	log.Printf("stopping...")

	// wait for completion
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-time.After(*waitFlag + stats.Timeout):
			log.Fatalf("failed to stop clients")
		}
	}()

	var latencies []time.Duration
	for i := 0; i < stats.Conns; i++ {
		latencies = append(latencies, <-resLatency...)
	}
	close(done)

	stats.ActualDuration = time.Since(start)
	log.Printf("stopped.")

	ts := templateStats{Run: stats, Counters: counters, Latencies: latencies}
	if before != nil {
		ts.Before, ts.After = before, getExpVars(*debugFlag)
	}
	if err := tpl.Execute(os.Stdout, ts); err != nil {
		log.Fatalf("template.Execute failed: %v", err)
	}
}

func getExpVars(debugURL string) *expVars {
	u := strings.TrimSuffix(debugURL, "/") + "/debug/vars"
	res, err := http.Get(u)
	if err != nil {
		log.Fatalf("failed to fetch /debug/vars: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		log.Fatalf("failed to fetch /debug/vars: %d %s", res.StatusCode, res.Status)
	}

	var ev expVars
	if err := sonnet.NewDecoder(res.Body).Decode(&ev); err != nil {
		log.Fatalf("failed to decode expvars: %v", err)
	}
	return &ev
}

// pending tracks the emitted events waiting for their reply.
type pending struct {
	mu        sync.Mutex
	starts    map[string]time.Time
	latencies []time.Duration
}

func (p *pending) add(key string) {
	p.mu.Lock()
	p.starts[key] = time.Now()
	p.mu.Unlock()
}

// done records the reply for key. It returns false if key is not
// pending, e.g. because it already expired.
func (p *pending) done(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	start, ok := p.starts[key]
	if ok {
		delete(p.starts, key)
		p.latencies = append(p.latencies, time.Since(start))
	}
	return ok
}

func (p *pending) expire(key string) bool {
	p.mu.Lock()
	_, ok := p.starts[key]
	delete(p.starts, key)
	p.mu.Unlock()
	return ok
}

// replyKey returns the sequence prefix of an echoed payload.
func replyKey(data string) string {
	if i := strings.IndexByte(data, ':'); i >= 0 {
		return data[:i]
	}
	return data
}

func runClient(stats *runStats, started chan<- struct{}, stop <-chan struct{}, resLatencies chan<- []time.Duration) {
	var wgResults sync.WaitGroup
	p := &pending{starts: make(map[string]time.Time)}

	var hdr http.Header
	if *tokenFlag != "" {
		hdr = http.Header{"Authorization": {"Bearer " + *tokenFlag}}
	}

	cli, err := client.Dial(
		&websocket.Dialer{},
		stats.Addr, hdr,
		client.SetHandler(client.HandlerFunc(func(ctx context.Context, m *message.Envelope) {
			if m.Event != stats.Event {
				return
			}
			if p.done(replyKey(m.Data)) {
				atomic.AddInt64(&stats.Replies, 1)
				wgResults.Done()
			}
		})))

	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}

	var after time.Duration
	var seq int
	started <- struct{}{}
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-time.After(after):
		}

		seq++
		key := strconv.Itoa(seq)
		wgResults.Add(1)
		p.add(key)
		atomic.AddInt64(&stats.Emits, 1)
		if err := cli.Emit(stats.Event, key+":"+stats.Payload); err != nil {
			log.Fatalf("Emit failed: %v", err)
		}
		go func() {
			<-time.After(stats.Timeout)
			if p.expire(key) {
				atomic.AddInt64(&stats.Expired, 1)
				wgResults.Done()
			}
		}()
		after = stats.Rate
	}
	// wait for sent events to return or expire
	wgResults.Wait()

	if err := cli.Close(); err != nil {
		log.Fatalf("Close failed: %v", err)
	}
	p.mu.Lock()
	resLatencies <- p.latencies
	p.mu.Unlock()
}
