package zrtelemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	zrshare "github.com/sammck-go/zonerpc/share"
)

// PrometheusTelemetry counts runtime events as Prometheus metrics, labeled
// by zone so a fleet of zones in one process stays distinguishable. Embed
// zrshare.NopTelemetry keeps it forward compatible with hooks it does not
// chart.
type PrometheusTelemetry struct {
	zrshare.NopTelemetry

	servicesLive      *prometheus.GaugeVec
	serviceProxiesLive *prometheus.GaugeVec
	stubsLive         *prometheus.GaugeVec
	objectProxiesLive *prometheus.GaugeVec

	stubDispatches *prometheus.CounterVec
	addRefs        *prometheus.CounterVec
	releases       *prometheus.CounterVec
	tryCasts       *prometheus.CounterVec
	externalRefs   *prometheus.GaugeVec
}

// NewPrometheusTelemetry creates the collector and registers its metrics
// with reg.
func NewPrometheusTelemetry(reg prometheus.Registerer) *PrometheusTelemetry {
	t := &PrometheusTelemetry{
		servicesLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zonerpc", Name: "services_live",
			Help: "Services currently alive per zone.",
		}, []string{"zone"}),
		serviceProxiesLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zonerpc", Name: "service_proxies_live",
			Help: "Service proxies currently alive per (zone, destination).",
		}, []string{"zone", "destination"}),
		stubsLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zonerpc", Name: "stubs_live",
			Help: "Object stubs currently alive per zone.",
		}, []string{"zone"}),
		objectProxiesLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zonerpc", Name: "object_proxies_live",
			Help: "Object proxies currently alive per (zone, destination).",
		}, []string{"zone", "destination"}),
		stubDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonerpc", Name: "stub_dispatches_total",
			Help: "Method dispatches into local stubs.",
		}, []string{"zone"}),
		addRefs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonerpc", Name: "add_refs_total",
			Help: "Reference increments handled per zone, split by kind.",
		}, []string{"zone", "kind"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonerpc", Name: "releases_total",
			Help: "Reference decrements handled per zone, split by kind.",
		}, []string{"zone", "kind"}),
		tryCasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonerpc", Name: "try_casts_total",
			Help: "Polymorphic cast probes handled per zone.",
		}, []string{"zone"}),
		externalRefs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zonerpc", Name: "service_proxy_external_refs",
			Help: "Outstanding external references per (zone, destination).",
		}, []string{"zone", "destination"}),
	}
	reg.MustRegister(t.servicesLive, t.serviceProxiesLive, t.stubsLive, t.objectProxiesLive,
		t.stubDispatches, t.addRefs, t.releases, t.tryCasts, t.externalRefs)
	return t
}

func zoneLabel(z zrshare.Zone) string               { return strconv.FormatUint(uint64(z), 10) }
func destLabel(z zrshare.DestinationZone) string    { return strconv.FormatUint(uint64(z), 10) }

func refKind(optimistic bool) string {
	if optimistic {
		return "optimistic"
	}
	return "shared"
}

// OnServiceCreation implements zrshare.TelemetrySink
func (t *PrometheusTelemetry) OnServiceCreation(name string, zoneID zrshare.Zone, parentZoneID zrshare.DestinationZone) {
	t.servicesLive.WithLabelValues(zoneLabel(zoneID)).Inc()
}

// OnServiceDeletion implements zrshare.TelemetrySink
func (t *PrometheusTelemetry) OnServiceDeletion(zoneID zrshare.Zone) {
	t.servicesLive.WithLabelValues(zoneLabel(zoneID)).Dec()
}

// OnServiceProxyCreation implements zrshare.TelemetrySink
func (t *PrometheusTelemetry) OnServiceProxyCreation(serviceName string, proxyName string, zoneID zrshare.Zone,
	destinationZoneID zrshare.DestinationZone, callerZoneID zrshare.CallerZone) {
	t.serviceProxiesLive.WithLabelValues(zoneLabel(zoneID), destLabel(destinationZoneID)).Inc()
}

// OnClonedServiceProxyCreation implements zrshare.TelemetrySink
func (t *PrometheusTelemetry) OnClonedServiceProxyCreation(serviceName string, proxyName string, zoneID zrshare.Zone,
	destinationZoneID zrshare.DestinationZone, callerZoneID zrshare.CallerZone) {
	t.serviceProxiesLive.WithLabelValues(zoneLabel(zoneID), destLabel(destinationZoneID)).Inc()
}

// OnServiceProxyDeletion implements zrshare.TelemetrySink
func (t *PrometheusTelemetry) OnServiceProxyDeletion(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	callerZoneID zrshare.CallerZone) {
	t.serviceProxiesLive.WithLabelValues(zoneLabel(zoneID), destLabel(destinationZoneID)).Dec()
}

// OnServiceTryCast implements zrshare.TelemetrySink
func (t *PrometheusTelemetry) OnServiceTryCast(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	callerZoneID zrshare.CallerZone, objectID zrshare.ObjectID, interfaceID zrshare.InterfaceOrdinal) {
	t.tryCasts.WithLabelValues(zoneLabel(zoneID)).Inc()
}

// OnServiceAddRef implements zrshare.TelemetrySink
func (t *PrometheusTelemetry) OnServiceAddRef(zoneID zrshare.Zone, destinationChannelZoneID zrshare.DestinationChannelZone,
	destinationZoneID zrshare.DestinationZone, objectID zrshare.ObjectID,
	callerChannelZoneID zrshare.CallerChannelZone, callerZoneID zrshare.CallerZone, options zrshare.AddRefOptions) {
	t.addRefs.WithLabelValues(zoneLabel(zoneID), refKind(options.IsOptimistic())).Inc()
}

// OnServiceRelease implements zrshare.TelemetrySink
func (t *PrometheusTelemetry) OnServiceRelease(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	objectID zrshare.ObjectID, callerZoneID zrshare.CallerZone, options zrshare.ReleaseOptions) {
	t.releases.WithLabelValues(zoneLabel(zoneID), refKind(options.IsOptimistic())).Inc()
}

// OnStubCreation implements zrshare.TelemetrySink
func (t *PrometheusTelemetry) OnStubCreation(zoneID zrshare.Zone, objectID zrshare.ObjectID) {
	t.stubsLive.WithLabelValues(zoneLabel(zoneID)).Inc()
}

// OnStubDeletion implements zrshare.TelemetrySink
func (t *PrometheusTelemetry) OnStubDeletion(zoneID zrshare.Zone, objectID zrshare.ObjectID) {
	t.stubsLive.WithLabelValues(zoneLabel(zoneID)).Dec()
}

// OnStubSend implements zrshare.TelemetrySink
func (t *PrometheusTelemetry) OnStubSend(zoneID zrshare.Zone, objectID zrshare.ObjectID,
	interfaceID zrshare.InterfaceOrdinal, methodID zrshare.MethodID) {
	t.stubDispatches.WithLabelValues(zoneLabel(zoneID)).Inc()
}

// OnObjectProxyCreation implements zrshare.TelemetrySink
func (t *PrometheusTelemetry) OnObjectProxyCreation(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	objectID zrshare.ObjectID, addRefDone bool) {
	t.objectProxiesLive.WithLabelValues(zoneLabel(zoneID), destLabel(destinationZoneID)).Inc()
}

// OnObjectProxyDeletion implements zrshare.TelemetrySink
func (t *PrometheusTelemetry) OnObjectProxyDeletion(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	objectID zrshare.ObjectID) {
	t.objectProxiesLive.WithLabelValues(zoneLabel(zoneID), destLabel(destinationZoneID)).Dec()
}

// OnServiceProxyAddExternalRef implements zrshare.TelemetrySink
func (t *PrometheusTelemetry) OnServiceProxyAddExternalRef(zoneID zrshare.Zone,
	destinationChannelZoneID zrshare.DestinationChannelZone, destinationZoneID zrshare.DestinationZone,
	callerZoneID zrshare.CallerZone, refCount int64) {
	t.externalRefs.WithLabelValues(zoneLabel(zoneID), destLabel(destinationZoneID)).Set(float64(refCount))
}

// OnServiceProxyReleaseExternalRef implements zrshare.TelemetrySink
func (t *PrometheusTelemetry) OnServiceProxyReleaseExternalRef(zoneID zrshare.Zone,
	destinationChannelZoneID zrshare.DestinationChannelZone, destinationZoneID zrshare.DestinationZone,
	callerZoneID zrshare.CallerZone, refCount int64) {
	t.externalRefs.WithLabelValues(zoneLabel(zoneID), destLabel(destinationZoneID)).Set(float64(refCount))
}
