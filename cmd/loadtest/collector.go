package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const (
	metricCalls    = "loadtest_calls_total"
	metricLatency  = "loadtest_latency_ms"
	metricRejected = "loadtest_rejected_scenarios_total"
	metricSold     = "loadtest_units_sold"

	resultOK     = "ok"
	resultFailed = "failed"
)

type latencySummary struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	RejectedScenarios int64                   `json:"rejected_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	UnitsSold         int64                   `json:"units_sold"`
	Oversold          bool                    `json:"oversold"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

// collector пишет результаты вызовов в собственный prometheus-реестр,
// отчёт строится из снимка реестра.
type collector struct {
	registry *prometheus.Registry
	calls    *prometheus.CounterVec
	latency  *prometheus.SummaryVec
	rejected prometheus.Counter
	sold     prometheus.Gauge
}

func newCollector() *collector {
	c := &collector{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricCalls,
			Help: "Load test calls by method, response code and result.",
		}, []string{"method", "code", "result"}),
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       metricLatency,
			Help:       "Load test call latency in milliseconds.",
			Objectives: map[float64]float64{0.5: 0.01, 0.95: 0.005, 0.99: 0.001},
		}, []string{"method"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricRejected,
			Help: "Scenarios rejected by a business rule such as insufficient stock.",
		}),
		sold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricSold,
			Help: "Units sold minus units returned by cancellations.",
		}),
	}
	c.registry.MustRegister(c.calls, c.latency, c.rejected, c.sold)
	return c
}

func (c *collector) record(method string, latency time.Duration, code string, ok bool) {
	result := resultFailed
	if ok {
		result = resultOK
	}
	c.calls.WithLabelValues(method, code, result).Inc()
	c.latency.WithLabelValues(method).Observe(float64(latency.Microseconds()) / 1000.0)
}

func (c *collector) recordRejected() { c.rejected.Inc() }

func (c *collector) recordSold(units int) { c.sold.Add(float64(units)) }

func (c *collector) buildReport(startedAt time.Time, duration time.Duration, expectStock int) (report, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return report{}, err
	}

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         make(map[string]methodReport),
	}
	for _, mf := range families {
		switch mf.GetName() {
		case metricCalls:
			for _, m := range mf.GetMetric() {
				addCall(result.Methods, labels(m), int64(m.GetCounter().GetValue()))
			}
		case metricLatency:
			for _, m := range mf.GetMetric() {
				name := labels(m)["method"]
				mr := result.Methods[name]
				mr.LatencyMs = summarize(m.GetSummary())
				result.Methods[name] = mr
			}
		case metricRejected:
			result.RejectedScenarios = int64(mf.GetMetric()[0].GetCounter().GetValue())
		case metricSold:
			result.UnitsSold = int64(mf.GetMetric()[0].GetGauge().GetValue())
		}
	}

	for name, mr := range result.Methods {
		mr.ErrorRate = ratio(mr.Failed, mr.Calls)
		result.Methods[name] = mr
	}

	if scenarios, ok := result.Methods[methodScenario]; ok {
		result.TotalScenarios = scenarios.Calls
		result.SuccessScenarios = scenarios.Success
		result.FailedScenarios = scenarios.Failed - result.RejectedScenarios
		result.ErrorRate = ratio(result.FailedScenarios, scenarios.Calls)
		result.ScenarioLatencyMs = scenarios.LatencyMs
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}
	result.Oversold = expectStock >= 0 && result.UnitsSold > int64(expectStock)
	return result, nil
}

func addCall(methods map[string]methodReport, l map[string]string, count int64) {
	mr := methods[l["method"]]
	if mr.Codes == nil {
		mr.Codes = make(map[string]int64)
	}
	mr.Calls += count
	if l["result"] == resultOK {
		mr.Success += count
	} else {
		mr.Failed += count
	}
	mr.Codes[l["code"]] += count
	methods[l["method"]] = mr
}

func labels(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func summarize(s *dto.Summary) latencySummary {
	if s.GetSampleCount() == 0 {
		return latencySummary{}
	}
	out := latencySummary{Avg: s.GetSampleSum() / float64(s.GetSampleCount())}
	for _, q := range s.GetQuantile() {
		switch q.GetQuantile() {
		case 0.5:
			out.P50 = q.GetValue()
		case 0.95:
			out.P95 = q.GetValue()
		case 0.99:
			out.P99 = q.GetValue()
		}
	}
	return out
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
