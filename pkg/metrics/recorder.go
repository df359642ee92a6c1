package metrics

import (
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/bootguard/pkg/models"
)

const namespace = "bootguard"

// stateValues gives every device state a stable gauge value
var stateValues = map[models.DeviceState]float64{
	models.StateBooting:         0,
	models.StateHardwareReady:   1,
	models.StateTasksRegistered: 2,
	models.StateRunning:         3,
	models.StateFailsafe:        4,
	models.StateResetting:       5,
	models.StateHalted:          6,
}

// Recorder owns the boot and containment metrics. Each recorder has its own
// registry so simulated boots do not share counters.
type Recorder struct {
	registry *prometheus.Registry

	registrations   *prometheus.CounterVec
	schedulerStarts *prometheus.CounterVec
	heartbeats      prometheus.Counter
	switches        prometheus.Counter
	faults          *prometheus.CounterVec
	resets          prometheus.Counter
	halts           prometheus.Counter
	boots           prometheus.Counter
	state           prometheus.Gauge
}

// NewRecorder creates a recorder with every collector registered
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_registrations_total",
			Help:      "Task registrations attempted at boot, by task and result",
		}, []string{"task", "result"}),
		schedulerStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_starts_total",
			Help:      "Scheduler start attempts, by result",
		}, []string{"result"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat task yields",
		}),
		switches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_switches_total",
			Help:      "Context switches performed by the scheduler",
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Fault events detected, by kind",
		}, []string{"kind"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "System reset requests",
		}),
		halts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "halts_total",
			Help:      "Entries into the halt loop",
		}),
		boots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boots_total",
			Help:      "Boot sequences started",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_state",
			Help:      "Device lifecycle state (0 booting, 1 hardware_ready, 2 tasks_registered, 3 running, 4 failsafe, 5 resetting, 6 halted)",
		}),
	}

	r.registry.MustRegister(
		r.registrations,
		r.schedulerStarts,
		r.heartbeats,
		r.switches,
		r.faults,
		r.resets,
		r.halts,
		r.boots,
		r.state,
	)
	return r
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordBoot counts a boot sequence start
func (r *Recorder) RecordBoot() {
	r.boots.Inc()
}

// RecordRegistration counts one task registration attempt
func (r *Recorder) RecordRegistration(task string, ok bool) {
	r.registrations.WithLabelValues(task, result(ok)).Inc()
}

// RecordSchedulerStart counts a scheduler start attempt
func (r *Recorder) RecordSchedulerStart(ok bool) {
	r.schedulerStarts.WithLabelValues(result(ok)).Inc()
}

// RecordHeartbeat counts a heartbeat yield
func (r *Recorder) RecordHeartbeat() {
	r.heartbeats.Inc()
}

// RecordSwitch counts a context switch
func (r *Recorder) RecordSwitch() {
	r.switches.Inc()
}

// RecordFault counts a detected fault
func (r *Recorder) RecordFault(kind models.FaultKind) {
	r.faults.WithLabelValues(string(kind)).Inc()
}

// RecordReset counts a reset request
func (r *Recorder) RecordReset() {
	r.resets.Inc()
}

// RecordHalt counts a halt
func (r *Recorder) RecordHalt() {
	r.halts.Inc()
}

// SetState publishes the device state
func (r *Recorder) SetState(s models.DeviceState) {
	if v, ok := stateValues[s]; ok {
		r.state.Set(v)
	}
}

// WriteText dumps every metric in the text exposition format
func (r *Recorder) WriteText(w io.Writer) error {
	families, err := r.registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
