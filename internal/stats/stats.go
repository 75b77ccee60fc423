package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const (
	NumActiveRooms   = "NumActiveRooms"
	NumActiveClients = "NumActiveClients"
	NumJoinRequests  = "NumJoinRequests"
	NumReconnects    = "NumReconnects"
)

// Metrics is every counter the relay updates.
var Metrics = []string{NumActiveRooms, NumActiveClients, NumJoinRequests, NumReconnects}

const updateBuffer = 512

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater publishes the relay's counters under /debug/vars. A single
// goroutine applies updates so callers on the hub loop never wait.
type StatsUpdater struct {
	vars     *expvar.Map
	started  time.Time
	updates  chan delta
	dropped  atomic.Int64
	quit     chan struct{}
	stopOnce sync.Once
}

type delta struct {
	name string
	n    int64
}

func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars:    publishedMap(),
		started: time.Now(),
		updates: make(chan delta, updateBuffer),
		quit:    make(chan struct{}),
	}
	su.vars.Set("Uptime", expvar.Func(func() any { return time.Since(su.started).Milliseconds() }))
	su.vars.Set("Goroutines", expvar.Func(func() any { return runtime.NumGoroutine() }))
	su.vars.Set("DroppedUpdates", expvar.Func(func() any { return su.dropped.Load() }))

	mux.HandleFunc("GET /debug/vars", su.serveVars)
	return su
}

var (
	mapOnce sync.Once
	vars    *expvar.Map
)

// publishedMap registers the map once per process; expvar panics on a second
// registration of the same name.
func publishedMap() *expvar.Map {
	mapOnce.Do(func() { vars = expvar.NewMap("listen-stats") })
	return vars
}

// Snapshot returns the current value of every published variable.
func (su *StatsUpdater) Snapshot() map[string]any {
	out := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var v any
		if err := json.Unmarshal([]byte(kv.Value.String()), &v); err == nil {
			out[kv.Key] = v
		}
	})
	return out
}

func (su *StatsUpdater) serveVars(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(su.Snapshot())
}

// RegisterMetric publishes a zeroed counter, replacing any previous value.
func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Incr(name string) { su.add(name, 1) }

func (su *StatsUpdater) Decr(name string) { su.add(name, -1) }

// add never blocks. Updates that do not fit in the buffer are counted in
// DroppedUpdates and discarded.
func (su *StatsUpdater) add(name string, n int64) {
	select {
	case su.updates <- delta{name: name, n: n}:
	default:
		su.dropped.Add(1)
	}
}

func (su *StatsUpdater) apply(d delta) {
	if c, ok := su.vars.Get(d.name).(*expvar.Int); ok {
		c.Add(d.n)
	}
}

func (su *StatsUpdater) Run() {
	go func() {
		for {
			select {
			case d := <-su.updates:
				su.apply(d)
			case <-su.quit:
				return
			}
		}
	}()
}

// Stop ends the update goroutine. Later updates are buffered and never applied.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.quit) })
}
