package zrshare

// TelemetrySink receives lifecycle and reference-count events from every
// component of the runtime. Sinks are pure observers: they may not call back
// into the runtime and they have no effect on correctness. All methods must
// be safe for concurrent use.
type TelemetrySink interface {
	OnServiceCreation(name string, zoneID Zone, parentZoneID DestinationZone)
	OnServiceDeletion(zoneID Zone)
	OnServiceTryCast(zoneID Zone, destinationZoneID DestinationZone, callerZoneID CallerZone,
		objectID ObjectID, interfaceID InterfaceOrdinal)
	OnServiceAddRef(zoneID Zone, destinationChannelZoneID DestinationChannelZone,
		destinationZoneID DestinationZone, objectID ObjectID,
		callerChannelZoneID CallerChannelZone, callerZoneID CallerZone, options AddRefOptions)
	OnServiceRelease(zoneID Zone, destinationZoneID DestinationZone, objectID ObjectID,
		callerZoneID CallerZone, options ReleaseOptions)

	OnServiceProxyCreation(serviceName string, proxyName string, zoneID Zone,
		destinationZoneID DestinationZone, callerZoneID CallerZone)
	OnClonedServiceProxyCreation(serviceName string, proxyName string, zoneID Zone,
		destinationZoneID DestinationZone, callerZoneID CallerZone)
	OnServiceProxyDeletion(zoneID Zone, destinationZoneID DestinationZone, callerZoneID CallerZone)
	OnServiceProxyTryCast(zoneID Zone, destinationZoneID DestinationZone, callerZoneID CallerZone,
		objectID ObjectID, interfaceID InterfaceOrdinal)
	OnServiceProxyAddRef(zoneID Zone, destinationZoneID DestinationZone,
		destinationChannelZoneID DestinationChannelZone, callerZoneID CallerZone,
		objectID ObjectID, options AddRefOptions)
	OnServiceProxyRelease(zoneID Zone, destinationZoneID DestinationZone,
		destinationChannelZoneID DestinationChannelZone, callerZoneID CallerZone, objectID ObjectID)
	OnServiceProxyAddExternalRef(zoneID Zone, destinationChannelZoneID DestinationChannelZone,
		destinationZoneID DestinationZone, callerZoneID CallerZone, refCount int64)
	OnServiceProxyReleaseExternalRef(zoneID Zone, destinationChannelZoneID DestinationChannelZone,
		destinationZoneID DestinationZone, callerZoneID CallerZone, refCount int64)

	OnStubCreation(zoneID Zone, objectID ObjectID)
	OnStubDeletion(zoneID Zone, objectID ObjectID)
	OnStubSend(zoneID Zone, objectID ObjectID, interfaceID InterfaceOrdinal, methodID MethodID)
	OnStubAddRef(zoneID Zone, objectID ObjectID, count uint64, callerZoneID CallerZone, optimistic bool)
	OnStubRelease(zoneID Zone, objectID ObjectID, count uint64, callerZoneID CallerZone, optimistic bool)

	OnObjectProxyCreation(zoneID Zone, destinationZoneID DestinationZone, objectID ObjectID, addRefDone bool)
	OnObjectProxyDeletion(zoneID Zone, destinationZoneID DestinationZone, objectID ObjectID)

	OnInterfaceProxyCreation(name string, zoneID Zone, destinationZoneID DestinationZone,
		objectID ObjectID, interfaceID InterfaceOrdinal)
	OnInterfaceProxySend(methodName string, zoneID Zone, destinationZoneID DestinationZone,
		objectID ObjectID, interfaceID InterfaceOrdinal, methodID MethodID)

	// Message reports a free-form diagnostic from the runtime
	Message(level LogLevel, msg string)
}

// NopTelemetry is a TelemetrySink that ignores every event. Embed it to
// implement only the hooks a sink cares about.
type NopTelemetry struct{}

// OnServiceCreation implements TelemetrySink
func (NopTelemetry) OnServiceCreation(string, Zone, DestinationZone) {}

// OnServiceDeletion implements TelemetrySink
func (NopTelemetry) OnServiceDeletion(Zone) {}

// OnServiceTryCast implements TelemetrySink
func (NopTelemetry) OnServiceTryCast(Zone, DestinationZone, CallerZone, ObjectID, InterfaceOrdinal) {}

// OnServiceAddRef implements TelemetrySink
func (NopTelemetry) OnServiceAddRef(Zone, DestinationChannelZone, DestinationZone, ObjectID, CallerChannelZone, CallerZone, AddRefOptions) {
}

// OnServiceRelease implements TelemetrySink
func (NopTelemetry) OnServiceRelease(Zone, DestinationZone, ObjectID, CallerZone, ReleaseOptions) {}

// OnServiceProxyCreation implements TelemetrySink
func (NopTelemetry) OnServiceProxyCreation(string, string, Zone, DestinationZone, CallerZone) {}

// OnClonedServiceProxyCreation implements TelemetrySink
func (NopTelemetry) OnClonedServiceProxyCreation(string, string, Zone, DestinationZone, CallerZone) {}

// OnServiceProxyDeletion implements TelemetrySink
func (NopTelemetry) OnServiceProxyDeletion(Zone, DestinationZone, CallerZone) {}

// OnServiceProxyTryCast implements TelemetrySink
func (NopTelemetry) OnServiceProxyTryCast(Zone, DestinationZone, CallerZone, ObjectID, InterfaceOrdinal) {
}

// OnServiceProxyAddRef implements TelemetrySink
func (NopTelemetry) OnServiceProxyAddRef(Zone, DestinationZone, DestinationChannelZone, CallerZone, ObjectID, AddRefOptions) {
}

// OnServiceProxyRelease implements TelemetrySink
func (NopTelemetry) OnServiceProxyRelease(Zone, DestinationZone, DestinationChannelZone, CallerZone, ObjectID) {
}

// OnServiceProxyAddExternalRef implements TelemetrySink
func (NopTelemetry) OnServiceProxyAddExternalRef(Zone, DestinationChannelZone, DestinationZone, CallerZone, int64) {
}

// OnServiceProxyReleaseExternalRef implements TelemetrySink
func (NopTelemetry) OnServiceProxyReleaseExternalRef(Zone, DestinationChannelZone, DestinationZone, CallerZone, int64) {
}

// OnStubCreation implements TelemetrySink
func (NopTelemetry) OnStubCreation(Zone, ObjectID) {}

// OnStubDeletion implements TelemetrySink
func (NopTelemetry) OnStubDeletion(Zone, ObjectID) {}

// OnStubSend implements TelemetrySink
func (NopTelemetry) OnStubSend(Zone, ObjectID, InterfaceOrdinal, MethodID) {}

// OnStubAddRef implements TelemetrySink
func (NopTelemetry) OnStubAddRef(Zone, ObjectID, uint64, CallerZone, bool) {}

// OnStubRelease implements TelemetrySink
func (NopTelemetry) OnStubRelease(Zone, ObjectID, uint64, CallerZone, bool) {}

// OnObjectProxyCreation implements TelemetrySink
func (NopTelemetry) OnObjectProxyCreation(Zone, DestinationZone, ObjectID, bool) {}

// OnObjectProxyDeletion implements TelemetrySink
func (NopTelemetry) OnObjectProxyDeletion(Zone, DestinationZone, ObjectID) {}

// OnInterfaceProxyCreation implements TelemetrySink
func (NopTelemetry) OnInterfaceProxyCreation(string, Zone, DestinationZone, ObjectID, InterfaceOrdinal) {
}

// OnInterfaceProxySend implements TelemetrySink
func (NopTelemetry) OnInterfaceProxySend(string, Zone, DestinationZone, ObjectID, InterfaceOrdinal, MethodID) {
}

// Message implements TelemetrySink
func (NopTelemetry) Message(LogLevel, string) {}

var nopTelemetry TelemetrySink = NopTelemetry{}
