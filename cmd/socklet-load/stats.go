package main

import (
	"fmt"
	"math"
	"sort"
	"text/template"
	"time"
)

var (
	fnMap = template.FuncMap{
		"subi": subiFn,
		"subd": subdFn,
		"subf": subfFn,
		"avg":  avgFn,
		"pctl": pctlFn,
	}

	tpl = template.Must(template.New("output").Funcs(fnMap).Parse(`
--- CONFIGURATION

Address:    {{ .Run.Addr }}
Event:      {{ .Run.Event }}
Payload:    {{ .Run.Payload }}

Connections: {{ .Run.Conns }}
Rate:        {{ .Run.Rate | printf "%s" }}
Timeout:     {{ .Run.Timeout | printf "%s" }}
Duration:    {{ .Run.Duration | printf "%s" }}

--- CLIENT STATISTICS

Actual Duration: {{ .Run.ActualDuration | printf "%s" }}
Emits:           {{ .Run.Emits }}
Replies:         {{ .Run.Replies }}
Expired:         {{ .Run.Expired }}

--- CLIENT LATENCIES

Minimum:         {{ pctl 0 .Latencies }}
Maximum:         {{ pctl 100 .Latencies }}
Average:         {{ avg .Latencies }}
Median:          {{ pctl 50 .Latencies }}
75th Percentile: {{ pctl 75 .Latencies }}
90th Percentile: {{ pctl 90 .Latencies }}
99th Percentile: {{ pctl 99 .Latencies }}
{{ if .Before }}
--- SERVER STATISTICS

Memory          Before          After           Diff.
---------------------------------------------------------------
Alloc:          {{.Before.Memstats.Alloc | printf "%-15v"}} {{.After.Memstats.Alloc | printf "%-15v"}} {{subf .After.Memstats.Alloc .Before.Memstats.Alloc | printf "%v" }}
TotalAlloc:     {{.Before.Memstats.TotalAlloc | printf "%-15v"}} {{.After.Memstats.TotalAlloc | printf "%-15v"}} {{subf .After.Memstats.TotalAlloc .Before.Memstats.TotalAlloc | printf "%v" }}
Mallocs:        {{.Before.Memstats.Mallocs | printf "%-15d"}} {{.After.Memstats.Mallocs | printf "%-15d"}} {{subi .After.Memstats.Mallocs .Before.Memstats.Mallocs }}
Frees:          {{.Before.Memstats.Frees | printf "%-15d"}} {{.After.Memstats.Frees | printf "%-15d"}} {{subi .After.Memstats.Frees .Before.Memstats.Frees }}
HeapInuse:      {{.Before.Memstats.HeapInuse | printf "%-15v"}} {{.After.Memstats.HeapInuse | printf "%-15v"}} {{subf .After.Memstats.HeapInuse .Before.Memstats.HeapInuse | printf "%v" }}
NumGC:          {{.Before.Memstats.NumGC | printf "%-15d"}} {{.After.Memstats.NumGC | printf "%-15d"}} {{subi .After.Memstats.NumGC .Before.Memstats.NumGC }}
PauseTotalNs:   {{.Before.Memstats.PauseTotalNs | printf "%-15v"}} {{.After.Memstats.PauseTotalNs | printf "%-15v"}} {{subd .After.Memstats.PauseTotalNs .Before.Memstats.PauseTotalNs | printf "%v" }}

Counter             Before          After           Diff.
----------------------------------------------------------------
{{ range $k := .Counters -}}
{{ printf "%-19s" $k }} {{ index $.Before.Socklet $k | printf "%-15d" }} {{ index $.After.Socklet $k | printf "%-15d" }} {{ subi (index $.After.Socklet $k) (index $.Before.Socklet $k) }}
{{ end -}}
{{ end }}`))
)

// counters is the list of server counters printed in the report.
var counters = []string{
	"ActiveConns",
	"TotalConns",
	"Msgs",
	"MsgsDispatched",
	"MsgsIgnored",
	"MsgsInvalid",
	"EventsUnknown",
	"FramesInvalid",
	"HandshakeFailures",
	"AuthFailures",
	"RateLimited",
	"RecoveredPanics",
	"SlowProcessMsg",
	"WriteLockTimeouts",
	"WriteLimitExceeded",
}

func subiFn(a, b int) int {
	return a - b
}

func subdFn(a, b time.Duration) time.Duration {
	return a - b
}

func subfFn(a, b byteSize) byteSize {
	return a - b
}

func avgFn(durs []time.Duration) time.Duration {
	var sum time.Duration

	if len(durs) == 0 {
		return 0
	}

	for _, d := range durs {
		sum += d
	}
	return sum / time.Duration(len(durs))
}

type durations []time.Duration

func (d durations) Len() int           { return len(d) }
func (d durations) Swap(x, y int)      { d[x], d[y] = d[y], d[x] }
func (d durations) Less(x, y int) bool { return d[x] < d[y] }

func round(f float64) int {
	if math.Abs(f) < 0.5 {
		return 0
	}
	return int(f + math.Copysign(0.5, f))
}

func pctlFn(n int, durs []time.Duration) time.Duration {
	if len(durs) == 0 {
		return 0
	}
	if len(durs) == 1 {
		return durs[0]
	}

	sort.Sort(durations(durs))

	v := (float64(n) / 100.0) * float64(len(durs))
	ix := int(v)
	if v-float64(int(v)) != 0 {
		if ix = round(v); ix > 0 {
			ix--
		}

		return durs[ix]
	}

	// edge cases
	if ix == 0 {
		return durs[0]
	}
	if ix == len(durs) {
		return durs[len(durs)-1]
	}

	sum := durs[ix] + durs[ix-1]
	return sum / 2
}

type byteSize float64

const (
	_           = iota
	kb byteSize = 1 << (10 * iota)
	mb
	gb
)

func (b byteSize) String() string {
	cmp := b
	if b < 0 {
		cmp = -cmp
	}
	switch {
	case cmp >= gb:
		return fmt.Sprintf("%.2fGB", b/gb)
	case cmp >= mb:
		return fmt.Sprintf("%.2fMB", b/mb)
	case cmp >= kb:
		return fmt.Sprintf("%.2fKB", b/kb)
	}
	return fmt.Sprintf("%.2fB", b)
}

type templateStats struct {
	Run       *runStats
	Before    *expVars
	After     *expVars
	Counters  []string
	Latencies []time.Duration
}

type runStats struct {
	Addr    string
	Event   string
	Payload string

	Conns          int
	Rate           time.Duration
	Timeout        time.Duration
	Duration       time.Duration
	ActualDuration time.Duration

	Emits   int64
	Replies int64
	Expired int64
}

type expVars struct {
	Socklet map[string]int

	Memstats struct {
		Alloc        byteSize
		TotalAlloc   byteSize
		Mallocs      int
		Frees        int
		HeapInuse    byteSize
		NumGC        int
		PauseTotalNs time.Duration
	}
}
