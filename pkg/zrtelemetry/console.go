// Package zrtelemetry provides telemetry sinks for the zone-graph RPC
// runtime: a console sink that narrates lifecycle and reference-count
// events through a leveled logger, a multiplexer that fans events out to
// several sinks, and a Prometheus collector. Sinks are pure observers; none
// of them affects runtime correctness.
package zrtelemetry

import (
	"github.com/jpillora/sizestr"

	zrshare "github.com/sammck-go/zonerpc/share"
)

// ConsoleTelemetry narrates runtime events through a Logger. Handy when
// chasing a reference-count leak across zones: the interleaved add-ref and
// release lines from every service read as one story.
type ConsoleTelemetry struct {
	zrshare.Logger
}

// NewConsoleTelemetry creates a console sink writing through logger.
func NewConsoleTelemetry(logger zrshare.Logger) *ConsoleTelemetry {
	return &ConsoleTelemetry{Logger: logger.Fork("telemetry")}
}

// OnServiceCreation implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnServiceCreation(name string, zoneID zrshare.Zone, parentZoneID zrshare.DestinationZone) {
	t.ILogf("service %q created: zone=%d parent=%d", name, zoneID, parentZoneID)
}

// OnServiceDeletion implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnServiceDeletion(zoneID zrshare.Zone) {
	t.ILogf("service deleted: zone=%d", zoneID)
}

// OnServiceTryCast implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnServiceTryCast(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	callerZoneID zrshare.CallerZone, objectID zrshare.ObjectID, interfaceID zrshare.InterfaceOrdinal) {
	t.DLogf("service try_cast: zone=%d dest=%d caller=%d object=%d interface=%d",
		zoneID, destinationZoneID, callerZoneID, objectID, interfaceID)
}

// OnServiceAddRef implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnServiceAddRef(zoneID zrshare.Zone, destinationChannelZoneID zrshare.DestinationChannelZone,
	destinationZoneID zrshare.DestinationZone, objectID zrshare.ObjectID,
	callerChannelZoneID zrshare.CallerChannelZone, callerZoneID zrshare.CallerZone, options zrshare.AddRefOptions) {
	t.DLogf("service add_ref: zone=%d dest=%d(via %d) object=%d caller=%d(via %d) optimistic=%v",
		zoneID, destinationZoneID, destinationChannelZoneID, objectID, callerZoneID, callerChannelZoneID, options.IsOptimistic())
}

// OnServiceRelease implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnServiceRelease(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	objectID zrshare.ObjectID, callerZoneID zrshare.CallerZone, options zrshare.ReleaseOptions) {
	t.DLogf("service release: zone=%d dest=%d object=%d caller=%d optimistic=%v",
		zoneID, destinationZoneID, objectID, callerZoneID, options.IsOptimistic())
}

// OnServiceProxyCreation implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnServiceProxyCreation(serviceName string, proxyName string, zoneID zrshare.Zone,
	destinationZoneID zrshare.DestinationZone, callerZoneID zrshare.CallerZone) {
	t.ILogf("service proxy %q/%q created: zone=%d dest=%d caller=%d",
		serviceName, proxyName, zoneID, destinationZoneID, callerZoneID)
}

// OnClonedServiceProxyCreation implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnClonedServiceProxyCreation(serviceName string, proxyName string, zoneID zrshare.Zone,
	destinationZoneID zrshare.DestinationZone, callerZoneID zrshare.CallerZone) {
	t.ILogf("service proxy %q/%q cloned: zone=%d dest=%d caller=%d",
		serviceName, proxyName, zoneID, destinationZoneID, callerZoneID)
}

// OnServiceProxyDeletion implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnServiceProxyDeletion(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	callerZoneID zrshare.CallerZone) {
	t.ILogf("service proxy deleted: zone=%d dest=%d caller=%d", zoneID, destinationZoneID, callerZoneID)
}

// OnServiceProxyTryCast implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnServiceProxyTryCast(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	callerZoneID zrshare.CallerZone, objectID zrshare.ObjectID, interfaceID zrshare.InterfaceOrdinal) {
	t.DLogf("proxy try_cast: zone=%d dest=%d caller=%d object=%d interface=%d",
		zoneID, destinationZoneID, callerZoneID, objectID, interfaceID)
}

// OnServiceProxyAddRef implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnServiceProxyAddRef(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	destinationChannelZoneID zrshare.DestinationChannelZone, callerZoneID zrshare.CallerZone,
	objectID zrshare.ObjectID, options zrshare.AddRefOptions) {
	t.DLogf("proxy add_ref: zone=%d dest=%d(via %d) caller=%d object=%d optimistic=%v",
		zoneID, destinationZoneID, destinationChannelZoneID, callerZoneID, objectID, options.IsOptimistic())
}

// OnServiceProxyRelease implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnServiceProxyRelease(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	destinationChannelZoneID zrshare.DestinationChannelZone, callerZoneID zrshare.CallerZone, objectID zrshare.ObjectID) {
	t.DLogf("proxy release: zone=%d dest=%d(via %d) caller=%d object=%d",
		zoneID, destinationZoneID, destinationChannelZoneID, callerZoneID, objectID)
}

// OnServiceProxyAddExternalRef implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnServiceProxyAddExternalRef(zoneID zrshare.Zone,
	destinationChannelZoneID zrshare.DestinationChannelZone, destinationZoneID zrshare.DestinationZone,
	callerZoneID zrshare.CallerZone, refCount int64) {
	t.DLogf("proxy external ref +1 -> %d: zone=%d dest=%d caller=%d", refCount, zoneID, destinationZoneID, callerZoneID)
}

// OnServiceProxyReleaseExternalRef implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnServiceProxyReleaseExternalRef(zoneID zrshare.Zone,
	destinationChannelZoneID zrshare.DestinationChannelZone, destinationZoneID zrshare.DestinationZone,
	callerZoneID zrshare.CallerZone, refCount int64) {
	t.DLogf("proxy external ref -1 -> %d: zone=%d dest=%d caller=%d", refCount, zoneID, destinationZoneID, callerZoneID)
}

// OnStubCreation implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnStubCreation(zoneID zrshare.Zone, objectID zrshare.ObjectID) {
	t.ILogf("stub created: zone=%d object=%d", zoneID, objectID)
}

// OnStubDeletion implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnStubDeletion(zoneID zrshare.Zone, objectID zrshare.ObjectID) {
	t.ILogf("stub deleted: zone=%d object=%d", zoneID, objectID)
}

// OnStubSend implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnStubSend(zoneID zrshare.Zone, objectID zrshare.ObjectID,
	interfaceID zrshare.InterfaceOrdinal, methodID zrshare.MethodID) {
	t.DLogf("stub dispatch: zone=%d object=%d interface=%d method=%d", zoneID, objectID, interfaceID, methodID)
}

// OnStubAddRef implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnStubAddRef(zoneID zrshare.Zone, objectID zrshare.ObjectID, count uint64,
	callerZoneID zrshare.CallerZone, optimistic bool) {
	t.DLogf("stub add_ref -> %d: zone=%d object=%d caller=%d optimistic=%v", count, zoneID, objectID, callerZoneID, optimistic)
}

// OnStubRelease implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnStubRelease(zoneID zrshare.Zone, objectID zrshare.ObjectID, count uint64,
	callerZoneID zrshare.CallerZone, optimistic bool) {
	t.DLogf("stub release -> %d: zone=%d object=%d caller=%d optimistic=%v", count, zoneID, objectID, callerZoneID, optimistic)
}

// OnObjectProxyCreation implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnObjectProxyCreation(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	objectID zrshare.ObjectID, addRefDone bool) {
	t.DLogf("object proxy created: zone=%d dest=%d object=%d add_ref_done=%v", zoneID, destinationZoneID, objectID, addRefDone)
}

// OnObjectProxyDeletion implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnObjectProxyDeletion(zoneID zrshare.Zone, destinationZoneID zrshare.DestinationZone,
	objectID zrshare.ObjectID) {
	t.DLogf("object proxy deleted: zone=%d dest=%d object=%d", zoneID, destinationZoneID, objectID)
}

// OnInterfaceProxyCreation implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnInterfaceProxyCreation(name string, zoneID zrshare.Zone,
	destinationZoneID zrshare.DestinationZone, objectID zrshare.ObjectID, interfaceID zrshare.InterfaceOrdinal) {
	t.DLogf("interface proxy %q created: zone=%d dest=%d object=%d interface=%d",
		name, zoneID, destinationZoneID, objectID, interfaceID)
}

// OnInterfaceProxySend implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) OnInterfaceProxySend(methodName string, zoneID zrshare.Zone,
	destinationZoneID zrshare.DestinationZone, objectID zrshare.ObjectID,
	interfaceID zrshare.InterfaceOrdinal, methodID zrshare.MethodID) {
	t.DLogf("interface proxy call %q: zone=%d dest=%d object=%d interface=%d method=%d",
		methodName, zoneID, destinationZoneID, objectID, interfaceID, methodID)
}

// Message implements zrshare.TelemetrySink
func (t *ConsoleTelemetry) Message(level zrshare.LogLevel, msg string) {
	t.Log(level, msg)
}

// ConsoleServiceLogger reports each dispatched call's payload sizes in
// human-readable form. Register it with Service.AddServiceLogger.
type ConsoleServiceLogger struct {
	zrshare.Logger
}

// NewConsoleServiceLogger creates a dispatch observer writing through
// logger.
func NewConsoleServiceLogger(logger zrshare.Logger) *ConsoleServiceLogger {
	return &ConsoleServiceLogger{Logger: logger.Fork("dispatch")}
}

// BeforeSend implements zrshare.ServiceLogger
func (l *ConsoleServiceLogger) BeforeSend(callerZoneID zrshare.CallerZone, objectID zrshare.ObjectID,
	interfaceID zrshare.InterfaceOrdinal, methodID zrshare.MethodID, inBuf []byte) {
	l.DLogf("-> caller=%d object=%d interface=%d method=%d in=%s",
		callerZoneID, objectID, interfaceID, methodID, sizestr.ToString(int64(len(inBuf))))
}

// AfterSend implements zrshare.ServiceLogger
func (l *ConsoleServiceLogger) AfterSend(callerZoneID zrshare.CallerZone, objectID zrshare.ObjectID,
	interfaceID zrshare.InterfaceOrdinal, methodID zrshare.MethodID, err error, outBuf []byte) {
	l.DLogf("<- caller=%d object=%d interface=%d method=%d err=%s out=%s",
		callerZoneID, objectID, interfaceID, methodID, zrshare.CodeOf(err), sizestr.ToString(int64(len(outBuf))))
}
