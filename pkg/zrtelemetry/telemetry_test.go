package zrtelemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zrshare "github.com/sammck-go/zonerpc/share"
)

type tallySink struct {
	zrshare.NopTelemetry
	stubCreations int
	stubDeletions int
	messages      []string
}

func (s *tallySink) OnStubCreation(zrshare.Zone, zrshare.ObjectID) { s.stubCreations++ }
func (s *tallySink) OnStubDeletion(zrshare.Zone, zrshare.ObjectID) { s.stubDeletions++ }
func (s *tallySink) Message(level zrshare.LogLevel, msg string)    { s.messages = append(s.messages, msg) }

func TestMultiplexingFansOut(t *testing.T) {
	a := &tallySink{}
	b := &tallySink{}
	mux := NewMultiplexingTelemetry(a, b)

	mux.OnStubCreation(1, 10)
	mux.OnStubCreation(1, 11)
	mux.OnStubDeletion(1, 10)
	mux.Message(zrshare.LogLevelInfo, "hello")

	for _, s := range []*tallySink{a, b} {
		assert.Equal(t, 2, s.stubCreations)
		assert.Equal(t, 1, s.stubDeletions)
		assert.Equal(t, []string{"hello"}, s.messages)
	}
}

func TestConsoleTelemetryDoesNotPanic(t *testing.T) {
	c := NewConsoleTelemetry(zrshare.NewLogger("telemetry-test", zrshare.LogLevelError))
	c.OnServiceCreation("svc", 1, 0)
	c.OnStubCreation(1, 5)
	c.OnStubAddRef(1, 5, 1, 2, false)
	c.OnStubRelease(1, 5, 0, 2, false)
	c.OnStubDeletion(1, 5)
	c.OnServiceDeletion(1)
	c.Message(zrshare.LogLevelDebug, "quiet")
}

func TestPrometheusTelemetryCharts(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusTelemetry(reg)

	p.OnServiceCreation("svc", 1, 0)
	p.OnStubCreation(1, 5)
	p.OnStubCreation(1, 6)
	p.OnStubDeletion(1, 5)
	p.OnStubSend(1, 6, 2, 3)
	p.OnServiceAddRef(1, 0, 1, 6, 0, 2, zrshare.AddRefNormal)
	p.OnServiceAddRef(1, 0, 1, 6, 0, 2, zrshare.AddRefOptimistic)
	p.OnServiceRelease(1, 1, 6, 2, zrshare.ReleaseOptimistic)

	assert.Equal(t, float64(1), testutil.ToFloat64(p.servicesLive.WithLabelValues("1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.stubsLive.WithLabelValues("1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.stubDispatches.WithLabelValues("1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.addRefs.WithLabelValues("1", "shared")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.addRefs.WithLabelValues("1", "optimistic")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.releases.WithLabelValues("1", "optimistic")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

// the multiplexer must satisfy the full sink interface
var _ zrshare.TelemetrySink = (*MultiplexingTelemetry)(nil)
var _ zrshare.TelemetrySink = (*ConsoleTelemetry)(nil)
var _ zrshare.TelemetrySink = (*PrometheusTelemetry)(nil)
