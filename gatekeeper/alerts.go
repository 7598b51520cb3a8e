package gatekeeper

import (
	"sync"
	"time"

	"github.com/glgcapital/gatekeeper/internal/clock"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertCSRFRejectSpike   AlertType = "csrf_reject_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultLoginFailureWindow    = time.Minute
	defaultLoginFailureThreshold = 50
	defaultCSRFRejectWindow      = time.Minute
	defaultCSRFRejectThreshold   = 100
)

type slidingWindow struct {
	times     []time.Time
	window    time.Duration
	threshold int
	alert     AlertType
	message   string
}

// anomalyDetector keeps sliding window counters over audit events.
type anomalyDetector struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows map[AuditEvent]*slidingWindow
	alertFn AlertFunc
}

func newAnomalyDetector(c clock.Clock, alertFn AlertFunc) *anomalyDetector {
	return &anomalyDetector{
		clock:   c,
		alertFn: alertFn,
		windows: map[AuditEvent]*slidingWindow{
			AuditLoginFailure: {
				window:    defaultLoginFailureWindow,
				threshold: defaultLoginFailureThreshold,
				alert:     AlertLoginFailureSpike,
				message:   "login failure rate exceeds threshold",
			},
			AuditCSRFRejected: {
				window:    defaultCSRFRejectWindow,
				threshold: defaultCSRFRejectThreshold,
				alert:     AlertCSRFRejectSpike,
				message:   "CSRF rejection rate exceeds threshold",
			},
		},
	}
}

func (d *anomalyDetector) record(event AuditEvent) {
	if d == nil || d.alertFn == nil {
		return
	}
	d.mu.Lock()
	w, ok := d.windows[event]
	if !ok {
		d.mu.Unlock()
		return
	}
	now := d.clock.Now()
	w.times = trimWindow(append(w.times, now), now, w.window)
	if len(w.times) < w.threshold {
		d.mu.Unlock()
		return
	}
	ev := AlertEvent{
		Type:      w.alert,
		Message:   w.message,
		Count:     len(w.times),
		Threshold: w.threshold,
		Timestamp: now,
	}
	// Reset to avoid repeated alerts within the same spike.
	w.times = w.times[:0]
	d.mu.Unlock()
	d.alertFn(ev)
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
