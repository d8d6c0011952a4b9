package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	registry := prometheus.NewRegistry()

	// This should not panic
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()

	MustRegister(registry)

	// Record some values so metrics appear in Gather()
	RecordTaskProcessed("CHARGE_PAYMENT", "completed")
	RecordTaskReleased("CHARGE_PAYMENT")
	RecordLeaseContention()
	RecordLeasesReclaimed(2)
	ObserveTaskDuration("CHARGE_PAYMENT", 50*time.Millisecond)
	RecordOutboxEvent("invoice.paid")
	RecordCharge("approved")

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Errorf("Registry.Gather() error: %v", err)
	}

	expectedMetrics := []string{
		"subworker_tasks_processed_total",
		"subworker_tasks_released_total",
		"subworker_lease_contention_total",
		"subworker_leases_reclaimed_total",
		"subworker_task_duration_seconds",
		"subworker_outbox_events_total",
		"subworker_charges_total",
	}

	registeredMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		registeredMetrics[mf.GetName()] = true
	}

	for _, expected := range expectedMetrics {
		if !registeredMetrics[expected] {
			t.Errorf("Expected metric %s not found in registry", expected)
		}
	}
}

func TestRecordTaskProcessed(t *testing.T) {
	TasksProcessedTotal.Reset()

	tests := []struct {
		name     string
		taskType string
		outcome  string
		calls    int
	}{
		{
			name:     "completed charge",
			taskType: "CHARGE_PAYMENT",
			outcome:  "completed",
			calls:    3,
		},
		{
			name:     "failed renewal",
			taskType: "SUBSCRIPTION_RENEWAL",
			outcome:  "failed",
			calls:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordTaskProcessed(tt.taskType, tt.outcome)
			}

			counter := TasksProcessedTotal.WithLabelValues(tt.taskType, tt.outcome)
			value := testutil.ToFloat64(counter)
			if value != float64(tt.calls) {
				t.Errorf("RecordTaskProcessed() counter value = %f, want %f", value, float64(tt.calls))
			}
		})
	}
}

func TestRecordLeasesReclaimed(t *testing.T) {
	before := testutil.ToFloat64(LeasesReclaimedTotal)

	RecordLeasesReclaimed(5)
	RecordLeasesReclaimed(0)

	after := testutil.ToFloat64(LeasesReclaimedTotal)
	if after-before != 5 {
		t.Errorf("RecordLeasesReclaimed() delta = %f, want 5", after-before)
	}
}

func TestPrometheusTextOutput(t *testing.T) {
	registry := prometheus.NewRegistry()
	MustRegister(registry)

	RecordTaskProcessed("ENTITLEMENT_GRANT", "completed")
	RecordCharge("declined")

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Errorf("Registry.Gather() error: %v", err)
	}

	if len(metricFamilies) == 0 {
		t.Error("Expected non-empty metrics output")
	}

	// Check that metric names follow expected pattern
	for _, mf := range metricFamilies {
		name := mf.GetName()
		if !strings.HasPrefix(name, "subworker_") {
			t.Errorf("Metric name %s does not have expected prefix 'subworker_'", name)
		}
	}
}
