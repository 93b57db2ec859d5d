package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Opts struct {
	Name string
	Help string
}

type collector interface {
	name() string
	writePrometheus(*strings.Builder)
}

type Registry struct {
	mu         sync.RWMutex
	collectors map[string]collector
}

func NewRegistry() *Registry {
	return &Registry{collectors: map[string]collector{}}
}

func (r *Registry) MustRegister(items ...collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		name := item.name()
		if _, exists := r.collectors[name]; exists {
			panic("metrics collector already registered: " + name)
		}
		r.collectors[name] = item
	}
}

// Handler serves every registered collector in Prometheus text format, sorted by name.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}

func (r *Registry) Render() string {
	r.mu.RLock()
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	collectors := make([]collector, 0, len(names))
	for _, name := range names {
		collectors = append(collectors, r.collectors[name])
	}
	r.mu.RUnlock()

	var sb strings.Builder
	for _, c := range collectors {
		c.writePrometheus(&sb)
	}
	return sb.String()
}

var Default = NewRegistry()
var processStart = time.Now()

func DefaultHandler() http.Handler {
	return Default.Handler()
}

type GaugeFunc struct {
	opts Opts
	fn   func() float64
}

func NewGaugeFunc(opts Opts, fn func() float64) *GaugeFunc {
	return &GaugeFunc{opts: opts, fn: fn}
}

func (g *GaugeFunc) name() string { return g.opts.Name }

func (g *GaugeFunc) writePrometheus(sb *strings.Builder) {
	writeMetricHead(sb, g.opts.Name, "gauge", g.opts.Help)
	v := 0.0
	if g.fn != nil {
		v = g.fn()
	}
	fmt.Fprintf(sb, "%s %s\n", g.opts.Name, floatToString(v))
}

// labeled holds one value per label combination; counters and gauges share it.
type labeled struct {
	opts       Opts
	kind       string
	labelNames []string

	mu     sync.RWMutex
	values map[string]float64
}

func newLabeled(opts Opts, kind string, labelNames []string) *labeled {
	copied := make([]string, len(labelNames))
	copy(copied, labelNames)
	return &labeled{opts: opts, kind: kind, labelNames: copied, values: map[string]float64{}}
}

func (l *labeled) name() string { return l.opts.Name }

func (l *labeled) add(labelValues []string, delta float64) {
	if len(labelValues) != len(l.labelNames) {
		return
	}
	key := strings.Join(labelValues, "\xff")
	l.mu.Lock()
	l.values[key] += delta
	l.mu.Unlock()
}

func (l *labeled) get(labelValues []string) float64 {
	key := strings.Join(labelValues, "\xff")
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.values[key]
}

func (l *labeled) writePrometheus(sb *strings.Builder) {
	writeMetricHead(sb, l.opts.Name, l.kind, l.opts.Help)

	l.mu.RLock()
	keys := make([]string, 0, len(l.values))
	for key := range l.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	values := make([]float64, len(keys))
	for i, key := range keys {
		values[i] = l.values[key]
	}
	l.mu.RUnlock()

	for i, key := range keys {
		sb.WriteString(l.opts.Name)
		if len(l.labelNames) > 0 {
			labelValues := strings.Split(key, "\xff")
			sb.WriteString("{")
			for idx, labelName := range l.labelNames {
				if idx > 0 {
					sb.WriteString(",")
				}
				sb.WriteString(labelName)
				sb.WriteString(`="`)
				sb.WriteString(escapeLabelValue(labelValues[idx]))
				sb.WriteString(`"`)
			}
			sb.WriteString("}")
		}
		sb.WriteString(" ")
		sb.WriteString(floatToString(values[i]))
		sb.WriteString("\n")
	}
}

type CounterVec struct{ *labeled }

func NewCounterVec(opts Opts, labelNames []string) *CounterVec {
	return &CounterVec{newLabeled(opts, "counter", labelNames)}
}

// Inc is a no-op when the number of values does not match the label names.
func (c *CounterVec) Inc(labelValues ...string) {
	c.add(labelValues, 1)
}

func (c *CounterVec) Value(labelValues ...string) float64 {
	return c.get(labelValues)
}

type GaugeVec struct{ *labeled }

func NewGaugeVec(opts Opts, labelNames []string) *GaugeVec {
	return &GaugeVec{newLabeled(opts, "gauge", labelNames)}
}

func (g *GaugeVec) Add(delta float64, labelValues ...string) {
	g.add(labelValues, delta)
}

func (g *GaugeVec) Value(labelValues ...string) float64 {
	return g.get(labelValues)
}

func writeMetricHead(sb *strings.Builder, name, metricType, help string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, metricType)
}

func floatToString(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escapeLabelValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

func init() {
	Default.MustRegister(
		NewGaugeFunc(Opts{
			Name: "process_uptime_seconds",
			Help: "Seconds since process start.",
		}, func() float64 {
			return time.Since(processStart).Seconds()
		}),
		NewGaugeFunc(Opts{
			Name: "go_goroutines",
			Help: "Number of goroutines.",
		}, func() float64 {
			return float64(runtime.NumGoroutine())
		}),
	)
}
