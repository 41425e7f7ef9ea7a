package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := New(reg)
	if metrics == nil {
		t.Fatal("expected Metrics, got nil")
	}

	for name, m := range map[string]interface{}{
		"MergesApplied":     metrics.MergesApplied,
		"MergeDuration":     metrics.MergeDuration,
		"PutOps":            metrics.PutOps,
		"DeleteOps":         metrics.DeleteOps,
		"RemoteDropsOrigin": metrics.RemoteDropsOrigin,
		"ActiveLinks":       metrics.ActiveLinks,
		"MessagesSent":      metrics.MessagesSent,
		"MessagesReceived":  metrics.MessagesReceived,
		"BytesSent":         metrics.BytesSent,
		"SendQueueDrops":    metrics.SendQueueDrops,
		"VectorSearchOps":   metrics.VectorSearchOps,
		"VectorSearchLat":   metrics.VectorSearchLat,
		"IndexSize":         metrics.IndexSize,
		"RuleErrors":        metrics.RuleErrors,
		"SubscriberErrors":  metrics.SubscriberErrors,
	} {
		if m == nil {
			t.Errorf("expected %s to be initialized", name)
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(families) != 15 {
		t.Errorf("expected 15 registered metric families, got %d", len(families))
	}
}

func TestNewWithNilRegistererDoesNotPanic(t *testing.T) {
	metrics := New(nil)
	metrics.PutOps.Inc()
}
