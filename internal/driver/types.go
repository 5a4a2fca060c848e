package driver

// networkState is the in-memory record for one container-engine
// network. Runtime handles (the cached OVN client) are looked up
// separately, keyed by (nbConnection, sbConnection).
type networkState struct {
	ID              string
	Bridge          string
	VLAN            int
	MTU             int
	TenantID        string
	OVNSwitch       string
	OVNRouter       string
	Role            string
	ExternalGateway string
	IPv4Pool        string
	IPv4GW          string
	IPv6Pool        string
	IPv6GW          string
	NBConn          string
	SBConn          string
	AutoCreate      bool
	MirrorPorts     string
	MirrorDest      string
	DHCP            string
	DNSServer       string
	Options         map[string]string

	// dhcpOptionsUUID caches the OVN DHCP_Options row created for this
	// network's IPv4 pool, if "dhcp=ovn" was requested. Created once in
	// CreateNetwork, attached to each logical port in Join.
	dhcpOptionsUUID string

	// endpoints references every endpoint id currently created on this
	// network, used to enforce the Busy invariant on DeleteNetwork.
	endpoints map[string]struct{}
}

// endpointState is the in-memory record for one endpoint.
type endpointState struct {
	ID        string
	NetworkID string
	IPv4      string
	IPv6      string
	MAC       string
	VethHost  string
	VethPeer  string
	Options   map[string]string

	// joined is true between a successful Join and the matching Leave.
	joined bool
}
