package monitoring

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics of the coordinator and the
// output pipeline. A nil *Collector is valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Actions          *prometheus.CounterVec
	Readings         *prometheus.CounterVec
	RoundsDispatched *prometheus.CounterVec
	OutputTasks      *prometheus.CounterVec
	Forwards         *prometheus.CounterVec
	PersistDuration  prometheus.Histogram
	Devices          *prometheus.GaugeVec
	Operational      prometheus.Gauge
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice on the same registry returns the
// existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.Actions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "uwbsync_actions_total",
		Help: "Actions handed to anchors, labeled by action.",
	}, []string{"action"}), "uwbsync_actions_total"); err != nil {
		return nil, err
	}
	if c.Readings, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "uwbsync_readings_total",
		Help: "Range readings received, labeled by result (accepted, rejected).",
	}, []string{"result"}), "uwbsync_readings_total"); err != nil {
		return nil, err
	}
	if c.RoundsDispatched, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "uwbsync_rounds_dispatched_total",
		Help: "Tag rounds handed to the output pipeline, labeled by reason.",
	}, []string{"reason"}), "uwbsync_rounds_dispatched_total"); err != nil {
		return nil, err
	}
	if c.OutputTasks, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "uwbsync_output_tasks_total",
		Help: "Output tasks processed, labeled by result.",
	}, []string{"result"}), "uwbsync_output_tasks_total"); err != nil {
		return nil, err
	}
	if c.Forwards, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "uwbsync_estimator_forwards_total",
		Help: "Rounds forwarded to the position estimator, labeled by result.",
	}, []string{"result"}), "uwbsync_estimator_forwards_total"); err != nil {
		return nil, err
	}
	if c.PersistDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "uwbsync_persist_duration_seconds",
		Help:    "Time to persist one round including retries.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}), "uwbsync_persist_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Devices, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "uwbsync_devices",
		Help: "Known devices, labeled by kind (anchor, tag).",
	}, []string{"kind"}), "uwbsync_devices"); err != nil {
		return nil, err
	}
	if c.Operational, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "uwbsync_operational",
		Help: "1 while the coordinator accepts requests, 0 after a fatal output error.",
	}), "uwbsync_operational"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes the gathered metrics over HTTP.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) ActionIssued(action string) {
	if c == nil {
		return
	}
	c.Actions.WithLabelValues(action).Inc()
}

func (c *Collector) ReadingRecorded(accepted bool) {
	if c == nil {
		return
	}
	if accepted {
		c.Readings.WithLabelValues("accepted").Inc()
	} else {
		c.Readings.WithLabelValues("rejected").Inc()
	}
}

func (c *Collector) RoundDispatched(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.RoundsDispatched.WithLabelValues(reason).Add(float64(n))
}

func (c *Collector) OutputTask(result string) {
	if c == nil {
		return
	}
	c.OutputTasks.WithLabelValues(result).Inc()
}

func (c *Collector) Forwarded(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.Forwards.WithLabelValues("ok").Inc()
	} else {
		c.Forwards.WithLabelValues("error").Inc()
	}
}

func (c *Collector) ObservePersist(seconds float64) {
	if c == nil {
		return
	}
	c.PersistDuration.Observe(seconds)
}

func (c *Collector) SetDevices(anchors, tags int) {
	if c == nil {
		return
	}
	c.Devices.WithLabelValues("anchor").Set(float64(anchors))
	c.Devices.WithLabelValues("tag").Set(float64(tags))
}

func (c *Collector) SetOperational(up bool) {
	if c == nil {
		return
	}
	if up {
		c.Operational.Set(1)
	} else {
		c.Operational.Set(0)
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
