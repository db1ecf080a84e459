package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(LeaseTransitions.WithLabelValues("acquired"))
	LeaseTransitions.WithLabelValues("acquired").Inc()
	if got := testutil.ToFloat64(LeaseTransitions.WithLabelValues("acquired")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObserveSince(RebalanceDuration, time.Now())
	InstancesManaged.Set(3)

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{"dim_instances_managed 3", "dim_rebalance_duration_seconds_count"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %q in metrics output", name)
		}
	}
}
