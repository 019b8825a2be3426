package zrtelemetry

import (
	zrshare "github.com/sammck-go/zonerpc/share"
)

// MultiplexingTelemetry fans every event out to a fixed set of sinks, so a
// process can feed the console narrator and a metrics collector at once.
// The sink list is immutable after construction; no locking is needed on
// the hot path.
type MultiplexingTelemetry struct {
	sinks []zrshare.TelemetrySink
}

// NewMultiplexingTelemetry creates a fan-out over the given sinks.
func NewMultiplexingTelemetry(sinks ...zrshare.TelemetrySink) *MultiplexingTelemetry {
	return &MultiplexingTelemetry{sinks: sinks}
}

// OnServiceCreation implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnServiceCreation(name string, zoneID zrshare.Zone, parentZoneID zrshare.DestinationZone) {
	for _, s := range t.sinks {
		s.OnServiceCreation(name, zoneID, parentZoneID)
	}
}

// OnServiceDeletion implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnServiceDeletion(zoneID zrshare.Zone) {
	for _, s := range t.sinks {
		s.OnServiceDeletion(zoneID)
	}
}

// OnServiceTryCast implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnServiceTryCast(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	callerZoneID zrshare.CallerZone, objectID zrshare.ObjectID, interfaceID zrshare.InterfaceOrdinal) {
	for _, s := range t.sinks {
		s.OnServiceTryCast(zoneID, destinationZoneID, callerZoneID, objectID, interfaceID)
	}
}

// OnServiceAddRef implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnServiceAddRef(zoneID zrshare.Zone, destinationChannelZoneID zrshare.DestinationChannelZone,
	destinationZoneID zrshare.DestinationZone, objectID zrshare.ObjectID,
	callerChannelZoneID zrshare.CallerChannelZone, callerZoneID zrshare.CallerZone, options zrshare.AddRefOptions) {
	for _, s := range t.sinks {
		s.OnServiceAddRef(zoneID, destinationChannelZoneID, destinationZoneID, objectID, callerChannelZoneID, callerZoneID, options)
	}
}

// OnServiceRelease implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnServiceRelease(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	objectID zrshare.ObjectID, callerZoneID zrshare.CallerZone, options zrshare.ReleaseOptions) {
	for _, s := range t.sinks {
		s.OnServiceRelease(zoneID, destinationZoneID, objectID, callerZoneID, options)
	}
}

// OnServiceProxyCreation implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnServiceProxyCreation(serviceName string, proxyName string, zoneID zrshare.Zone,
	destinationZoneID zrshare.DestinationZone, callerZoneID zrshare.CallerZone) {
	for _, s := range t.sinks {
		s.OnServiceProxyCreation(serviceName, proxyName, zoneID, destinationZoneID, callerZoneID)
	}
}

// OnClonedServiceProxyCreation implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnClonedServiceProxyCreation(serviceName string, proxyName string, zoneID zrshare.Zone,
	destinationZoneID zrshare.DestinationZone, callerZoneID zrshare.CallerZone) {
	for _, s := range t.sinks {
		s.OnClonedServiceProxyCreation(serviceName, proxyName, zoneID, destinationZoneID, callerZoneID)
	}
}

// OnServiceProxyDeletion implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnServiceProxyDeletion(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	callerZoneID zrshare.CallerZone) {
	for _, s := range t.sinks {
		s.OnServiceProxyDeletion(zoneID, destinationZoneID, callerZoneID)
	}
}

// OnServiceProxyTryCast implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnServiceProxyTryCast(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	callerZoneID zrshare.CallerZone, objectID zrshare.ObjectID, interfaceID zrshare.InterfaceOrdinal) {
	for _, s := range t.sinks {
		s.OnServiceProxyTryCast(zoneID, destinationZoneID, callerZoneID, objectID, interfaceID)
	}
}

// OnServiceProxyAddRef implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnServiceProxyAddRef(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	destinationChannelZoneID zrshare.DestinationChannelZone, callerZoneID zrshare.CallerZone,
	objectID zrshare.ObjectID, options zrshare.AddRefOptions) {
	for _, s := range t.sinks {
		s.OnServiceProxyAddRef(zoneID, destinationZoneID, destinationChannelZoneID, callerZoneID, objectID, options)
	}
}

// OnServiceProxyRelease implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnServiceProxyRelease(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	destinationChannelZoneID zrshare.DestinationChannelZone, callerZoneID zrshare.CallerZone, objectID zrshare.ObjectID) {
	for _, s := range t.sinks {
		s.OnServiceProxyRelease(zoneID, destinationZoneID, destinationChannelZoneID, callerZoneID, objectID)
	}
}

// OnServiceProxyAddExternalRef implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnServiceProxyAddExternalRef(zoneID zrshare.Zone,
	destinationChannelZoneID zrshare.DestinationChannelZone, destinationZoneID zrshare.DestinationZone,
	callerZoneID zrshare.CallerZone, refCount int64) {
	for _, s := range t.sinks {
		s.OnServiceProxyAddExternalRef(zoneID, destinationChannelZoneID, destinationZoneID, callerZoneID, refCount)
	}
}

// OnServiceProxyReleaseExternalRef implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnServiceProxyReleaseExternalRef(zoneID zrshare.Zone,
	destinationChannelZoneID zrshare.DestinationChannelZone, destinationZoneID zrshare.DestinationZone,
	callerZoneID zrshare.CallerZone, refCount int64) {
	for _, s := range t.sinks {
		s.OnServiceProxyReleaseExternalRef(zoneID, destinationChannelZoneID, destinationZoneID, callerZoneID, refCount)
	}
}

// OnStubCreation implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnStubCreation(zoneID zrshare.Zone, objectID zrshare.ObjectID) {
	for _, s := range t.sinks {
		s.OnStubCreation(zoneID, objectID)
	}
}

// OnStubDeletion implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnStubDeletion(zoneID zrshare.Zone, objectID zrshare.ObjectID) {
	for _, s := range t.sinks {
		s.OnStubDeletion(zoneID, objectID)
	}
}

// OnStubSend implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnStubSend(zoneID zrshare.Zone, objectID zrshare.ObjectID,
	interfaceID zrshare.InterfaceOrdinal, methodID zrshare.MethodID) {
	for _, s := range t.sinks {
		s.OnStubSend(zoneID, objectID, interfaceID, methodID)
	}
}

// OnStubAddRef implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnStubAddRef(zoneID zrshare.Zone, objectID zrshare.ObjectID, count uint64,
	callerZoneID zrshare.CallerZone, optimistic bool) {
	for _, s := range t.sinks {
		s.OnStubAddRef(zoneID, objectID, count, callerZoneID, optimistic)
	}
}

// OnStubRelease implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnStubRelease(zoneID zrshare.Zone, objectID zrshare.ObjectID, count uint64,
	callerZoneID zrshare.CallerZone, optimistic bool) {
	for _, s := range t.sinks {
		s.OnStubRelease(zoneID, objectID, count, callerZoneID, optimistic)
	}
}

// OnObjectProxyCreation implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnObjectProxyCreation(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	objectID zrshare.ObjectID, addRefDone bool) {
	for _, s := range t.sinks {
		s.OnObjectProxyCreation(zoneID, destinationZoneID, objectID, addRefDone)
	}
}

// OnObjectProxyDeletion implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnObjectProxyDeletion(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	objectID zrshare.ObjectID) {
	for _, s := range t.sinks {
		s.OnObjectProxyDeletion(zoneID, destinationZoneID, objectID)
	}
}

// OnInterfaceProxyCreation implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnInterfaceProxyCreation(name string, zoneID zrshare.Zone,
	destinationZoneID zrshare.DestinationZone, objectID zrshare.ObjectID, interfaceID zrshare.InterfaceOrdinal) {
	for _, s := range t.sinks {
		s.OnInterfaceProxyCreation(name, zoneID, destinationZoneID, objectID, interfaceID)
	}
}

// OnInterfaceProxySend implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) OnInterfaceProxySend(methodName string, zoneID zrshare.Zone,
	destinationZoneID zrshare.DestinationZone, objectID zrshare.ObjectID,
	interfaceID zrshare.InterfaceOrdinal, methodID zrshare.MethodID) {
	for _, s := range t.sinks {
		s.OnInterfaceProxySend(methodName, zoneID, destinationZoneID, objectID, interfaceID, methodID)
	}
}

// Message implements zrshare.TelemetrySink
func (t *MultiplexingTelemetry) Message(level zrshare.LogLevel, msg string) {
	for _, s := range t.sinks {
		s.Message(level, msg)
	}
}
