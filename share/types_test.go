package zrshare

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZoneConversionsPreserveValue(t *testing.T) {
	z := Zone(42)
	assert.Equal(t, DestinationZone(42), z.AsDestination())
	assert.Equal(t, CallerZone(42), z.AsCaller())
	assert.Equal(t, DestinationChannelZone(42), z.AsDestinationChannel())
	assert.Equal(t, CallerChannelZone(42), z.AsCallerChannel())

	d := z.AsDestination()
	assert.Equal(t, z, d.AsZone())
	assert.Equal(t, CallerZone(42), d.AsCaller())
	assert.Equal(t, KnownDirectionZone(42), d.AsCaller().AsKnownDirection())
}

func TestZeroMeansUnset(t *testing.T) {
	assert.False(t, Zone(0).IsSet())
	assert.False(t, DestinationZone(0).IsSet())
	assert.False(t, ObjectID(0).IsSet())
	assert.True(t, Zone(7).IsSet())
	assert.True(t, DummyObjectID.IsSet())
}

func TestInterfaceDescriptorNullness(t *testing.T) {
	assert.False(t, InterfaceDescriptor{}.IsSet())
	assert.False(t, InterfaceDescriptor{ObjectID: 1}.IsSet())
	assert.False(t, InterfaceDescriptor{DestinationZoneID: 2}.IsSet())
	assert.True(t, InterfaceDescriptor{ObjectID: 1, DestinationZoneID: 2}.IsSet())
}

func TestGenerateNewZoneIDMonotonic(t *testing.T) {
	a := GenerateNewZoneID()
	b := GenerateNewZoneID()
	require.True(t, b > a)
}

func TestInterfaceOrdinalVariesByVersion(t *testing.T) {
	a := InterfaceOrdinalOf("some.Interface", ProtocolVersion2)
	b := InterfaceOrdinalOf("some.Interface", ProtocolVersion3)
	c := InterfaceOrdinalOf("other.Interface", ProtocolVersion2)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, InterfaceOrdinalOf("some.Interface", ProtocolVersion2))
}

func TestCodeOfUnwrapsContext(t *testing.T) {
	err := errors.Wrapf(ErrObjectNotFound, "while testing")
	assert.Equal(t, CodeObjectNotFound, CodeOf(err))
	assert.Equal(t, CodeOK, CodeOf(nil))
	assert.Equal(t, CodeNeedMoreMemory, CodeOf(&NeedMoreMemoryError{RequiredSize: 512}))
	assert.True(t, IsCode(ErrInvalidVersion, CodeInvalidVersion))
}
