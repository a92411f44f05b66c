package transport

import (
	"io"
	"sort"
	"strings"

	"github.com/VictoriaMetrics/metrics"
)

// VictoriaMetricsOptions configures NewVictoriaMetrics.
type VictoriaMetricsOptions struct {
	// Set receives the counters. A fresh set is created when nil.
	Set *metrics.Set
	// Prefix is prepended to every metric name.
	Prefix string
}

var _ MetricHook = (*VictoriaMetrics)(nil)

// VictoriaMetrics implements MetricHook using VictoriaMetrics counters. Each
// distinct label combination becomes its own counter in the set.
type VictoriaMetrics struct {
	set    *metrics.Set
	prefix string
}

// NewVictoriaMetrics constructs a MetricHook backed by a VictoriaMetrics set.
func NewVictoriaMetrics(opts VictoriaMetricsOptions) *VictoriaMetrics {
	set := opts.Set
	if set == nil {
		set = metrics.NewSet()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "fabrpc"
	}
	return &VictoriaMetrics{set: set, prefix: prefix}
}

// Set exposes the underlying metric set.
func (v *VictoriaMetrics) Set() *metrics.Set {
	return v.set
}

// WritePrometheus writes every counter in Prometheus text format.
func (v *VictoriaMetrics) WritePrometheus(w io.Writer) {
	v.set.WritePrometheus(w)
}

func (v *VictoriaMetrics) DispatcherStarted(attrs map[string]string) {
	v.inc("dispatcher_started_total", attrs, dispatcherLabelKeys)
}

func (v *VictoriaMetrics) DispatcherStopped(attrs map[string]string) {
	v.inc("dispatcher_stopped_total", attrs, dispatcherLabelKeys)
}

func (v *VictoriaMetrics) DispatcherFault(kind string, _ error, attrs map[string]string) {
	merged := make(map[string]string, len(attrs)+1)
	for k, val := range attrs {
		merged[k] = val
	}
	merged[labelKind] = kind
	v.inc("dispatcher_faults_total", merged, faultLabelKeys)
}

func (v *VictoriaMetrics) SendCompleted(attrs map[string]string) {
	v.inc("send_completed_total", attrs, completionLabelKeys)
}

func (v *VictoriaMetrics) SendFailed(_ error, attrs map[string]string) {
	v.inc("send_failed_total", attrs, failureLabelKeys)
}

func (v *VictoriaMetrics) ReceiveCompleted(attrs map[string]string) {
	v.inc("receive_completed_total", attrs, completionLabelKeys)
}

func (v *VictoriaMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	v.inc("receive_failed_total", attrs, failureLabelKeys)
}

func (v *VictoriaMetrics) RequestResolved(attrs map[string]string) {
	v.inc("request_resolved_total", attrs, dispatcherLabelKeys)
}

func (v *VictoriaMetrics) RequestUnmatched(attrs map[string]string) {
	v.inc("request_unmatched_total", attrs, dispatcherLabelKeys)
}

func (v *VictoriaMetrics) inc(name string, attrs map[string]string, keys []string) {
	v.set.GetOrCreateCounter(victoriaName(v.prefix+"_"+name, attrs, keys)).Inc()
}

var labelValueEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func victoriaName(name string, attrs map[string]string, keys []string) string {
	present := make([]string, 0, len(keys))
	for _, key := range keys {
		if attrs[key] != "" {
			present = append(present, key)
		}
	}
	if len(present) == 0 {
		return name
	}
	sort.Strings(present)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, key := range present {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(key)
		b.WriteString(`="`)
		b.WriteString(labelValueEscaper.Replace(attrs[key]))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
