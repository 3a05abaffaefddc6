package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegistryTextExport(t *testing.T) {
	r := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xseven_test_events_total",
		Help: "Test counter.",
	})
	if err := r.Register(counter); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	counter.Add(3)

	out, err := r.TextExport()
	if err != nil {
		t.Fatalf("text export failed: %v", err)
	}
	text := string(out)
	if !strings.Contains(text, "xseven_test_events_total 3") {
		t.Fatalf("custom counter missing from export:\n%s", text)
	}
	if !strings.Contains(text, "go_goroutines") {
		t.Fatal("runtime collectors missing from export")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "dup"})
	if err := r.Register(c); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "dup"})
	if err := r.Register(other); err == nil {
		t.Fatal("duplicate collector was accepted")
	}
}
