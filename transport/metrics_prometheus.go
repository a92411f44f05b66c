package transport

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	dispatcherStarted *prometheus.CounterVec
	dispatcherStopped *prometheus.CounterVec
	dispatcherFault   *prometheus.CounterVec
	sendCompleted     *prometheus.CounterVec
	sendFailed        *prometheus.CounterVec
	receiveCompleted  *prometheus.CounterVec
	receiveFailed     *prometheus.CounterVec
	requestResolved   *prometheus.CounterVec
	requestUnmatched  *prometheus.CounterVec
}

var (
	dispatcherLabelKeys = []string{labelTransport, labelRole}
	faultLabelKeys      = []string{labelTransport, labelRole, labelKind}
	completionLabelKeys = []string{labelTransport, labelRole, labelOperation, labelStatus}
	failureLabelKeys    = []string{labelTransport, labelRole, labelOperation}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
// Registering twice against the same registerer reuses the existing collectors.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{}
	vecs := []struct {
		dst **prometheus.CounterVec
		vec *prometheus.CounterVec
	}{
		{&p.dispatcherStarted, counter("fabrpc_dispatcher_started_total", "Number of times the dispatcher loop started", dispatcherLabelKeys)},
		{&p.dispatcherStopped, counter("fabrpc_dispatcher_stopped_total", "Number of times the dispatcher loop stopped", dispatcherLabelKeys)},
		{&p.dispatcherFault, counter("fabrpc_dispatcher_faults_total", "Number of faults recorded by the dispatcher", faultLabelKeys)},
		{&p.sendCompleted, counter("fabrpc_send_completed_total", "Number of successful send completions", completionLabelKeys)},
		{&p.sendFailed, counter("fabrpc_send_failed_total", "Number of failed sends", failureLabelKeys)},
		{&p.receiveCompleted, counter("fabrpc_receive_completed_total", "Number of decoded receive completions", completionLabelKeys)},
		{&p.receiveFailed, counter("fabrpc_receive_failed_total", "Number of errored or undecodable receive completions", failureLabelKeys)},
		{&p.requestResolved, counter("fabrpc_request_resolved_total", "Number of requests resolved by a response", dispatcherLabelKeys)},
		{&p.requestUnmatched, counter("fabrpc_request_unmatched_total", "Number of responses with no pending request", dispatcherLabelKeys)},
	}
	for _, v := range vecs {
		registered, err := registerCounterVec(reg, v.vec)
		if err != nil {
			return nil, err
		}
		*v.dst = registered
	}
	return p, nil
}

func (p *PrometheusMetrics) DispatcherStarted(attrs map[string]string) {
	p.dispatcherStarted.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherStopped(attrs map[string]string) {
	p.dispatcherStopped.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherFault(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, faultLabelKeys...)
	labs[labelKind] = kind
	p.dispatcherFault.With(labs).Inc()
}

func (p *PrometheusMetrics) SendCompleted(attrs map[string]string) {
	p.sendCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SendFailed(_ error, attrs map[string]string) {
	p.sendFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveCompleted(attrs map[string]string) {
	p.receiveCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	p.receiveFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RequestResolved(attrs map[string]string) {
	p.requestResolved.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RequestUnmatched(attrs map[string]string) {
	p.requestUnmatched.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
