package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPoolMetricsObserve(t *testing.T) {
	m := Pool()
	before := testutil.ToFloat64(m.operations.WithLabelValues("deposit", "ok"))
	m.Observe("deposit", time.Millisecond, "")
	m.Observe("deposit", time.Millisecond, "insufficient")
	if got := testutil.ToFloat64(m.operations.WithLabelValues("deposit", "ok")); got != before+1 {
		t.Fatalf("ok counter = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("deposit", "insufficient")); got < 1 {
		t.Fatalf("failure counter not incremented")
	}
}

func TestPoolMetricsGauges(t *testing.T) {
	m := Pool()
	m.RecordBalance("main", "total_funds", big.NewInt(12345))
	if got := testutil.ToFloat64(m.balances.WithLabelValues("main", "total_funds")); got != 12345 {
		t.Fatalf("gauge = %v", got)
	}
	m.SetPause("main", "loandesk", true)
	if got := testutil.ToFloat64(m.paused.WithLabelValues("main", "loandesk")); got != 1 {
		t.Fatalf("pause gauge = %v", got)
	}
	m.SetPause("main", "loandesk", false)
	if got := testutil.ToFloat64(m.paused.WithLabelValues("main", "loandesk")); got != 0 {
		t.Fatalf("pause gauge = %v", got)
	}
}

func TestEventMetrics(t *testing.T) {
	m := Events()
	m.RecordEvent("pool.deposit")
	m.RecordTransfer("usdc", big.NewInt(50))
	if got := testutil.ToFloat64(m.transfers.WithLabelValues("USDC")); got < 1 {
		t.Fatalf("transfer counter = %v", got)
	}
	if got := testutil.ToFloat64(m.volume.WithLabelValues("USDC")); got < 50 {
		t.Fatalf("volume = %v", got)
	}
}

func TestAPIMetricsObserve(t *testing.T) {
	m := API()
	m.Observe("/v1/pool", "GET", 409, time.Millisecond)
	if got := testutil.ToFloat64(m.errors.WithLabelValues("/v1/pool", "GET", "409")); got < 1 {
		t.Fatalf("error counter = %v", got)
	}
	m.RecordThrottle("", "")
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("unknown", "unspecified")); got < 1 {
		t.Fatalf("throttle counter = %v", got)
	}
}

func TestBigToFloat(t *testing.T) {
	if bigToFloat(nil) != 0 {
		t.Fatalf("nil should map to zero")
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 2000)
	if got := bigToFloat(huge); got != 0 {
		t.Fatalf("overflow should map to zero, got %v", got)
	}
}
