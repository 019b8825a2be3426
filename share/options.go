package zrshare

// Protocol versions this runtime can speak. A channel starts at the highest
// supported version and only ever ratchets downward within its session; the
// probing loops in ServiceProxy walk from the negotiated version down to
// LowestSupportedVersion before giving up.
const (
	ProtocolVersion2 uint64 = 2
	ProtocolVersion3 uint64 = 3

	LowestSupportedVersion  = ProtocolVersion2
	HighestSupportedVersion = ProtocolVersion3
)

// AddRefOptions selects the flavor of an add-ref operation.
type AddRefOptions uint8

const (
	// AddRefNormal is a plain shared reference increment
	AddRefNormal AddRefOptions = 0

	// AddRefBuildDestinationRoute asks the runtime to also create any
	// service proxies along the chain toward the destination so that a later
	// release can walk forward
	AddRefBuildDestinationRoute AddRefOptions = 1

	// AddRefBuildCallerRoute asks the runtime to create the reverse-route
	// service proxies toward the caller, preparing ref counts in the
	// opposite direction
	AddRefBuildCallerRoute AddRefOptions = 2

	// AddRefOptimistic marks the increment as an optimistic (weak-like)
	// reference; assumed shared if not set
	AddRefOptimistic AddRefOptions = 4
)

// IsOptimistic returns true if the optimistic bit is set
func (o AddRefOptions) IsOptimistic() bool { return o&AddRefOptimistic != 0 }

// BuildsDestinationRoute returns true if the destination-route bit is set
func (o AddRefOptions) BuildsDestinationRoute() bool { return o&AddRefBuildDestinationRoute != 0 }

// BuildsCallerRoute returns true if the caller-route bit is set
func (o AddRefOptions) BuildsCallerRoute() bool { return o&AddRefBuildCallerRoute != 0 }

// ReleaseOptions selects the flavor of a release operation. Every successful
// add-ref must be matched by exactly one release with the same optimistic
// bit.
type ReleaseOptions uint8

const (
	// ReleaseNormal decrements a shared reference
	ReleaseNormal ReleaseOptions = 0

	// ReleaseOptimistic decrements an optimistic reference
	ReleaseOptimistic ReleaseOptions = 1
)

// IsOptimistic returns true if the optimistic bit is set
func (o ReleaseOptions) IsOptimistic() bool { return o&ReleaseOptimistic != 0 }

// PostOptions qualifies a fire-and-forget post.
type PostOptions uint8

const (
	// PostNormal is a plain one-way message
	PostNormal PostOptions = 0

	// PostZoneTerminating notifies the peer that the posting zone is going
	// away; routers seeing it tear themselves down after forwarding
	PostZoneTerminating PostOptions = 1

	// PostReleaseOptimistic carries an optimistic release that must not
	// block the releasing zone
	PostReleaseOptimistic PostOptions = 2
)

// IsZoneTerminating returns true if the zone-terminating bit is set
func (o PostOptions) IsZoneTerminating() bool { return o&PostZoneTerminating != 0 }

// IsReleaseOptimistic returns true if the optimistic-release bit is set
func (o PostOptions) IsReleaseOptimistic() bool { return o&PostReleaseOptimistic != 0 }
