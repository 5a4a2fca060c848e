// Package driver implements the Docker libnetwork out-of-process
// network-driver RPC, binding the store, OVS and OVN clients, central
// bootstrapper and topology composer together. All state is serialized
// through one process-wide mutex; control-plane call rates are low
// enough that per-network locking isn't worth its complexity.
package driver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/docker/go-plugins-helpers/network"
	"github.com/go-logr/logr"

	"ovn-docker-plugin/internal/bootstrap"
	"ovn-docker-plugin/internal/errs"
	"ovn-docker-plugin/internal/ovnclient"
	"ovn-docker-plugin/internal/ovsclient"
	"ovn-docker-plugin/internal/store"
	"ovn-docker-plugin/internal/topology"
)

// dhcpServerMAC identifies the OVN-synthesized DHCP server on every
// network that requests "dhcp=ovn". No client ever addresses it
// directly, so one fixed value suffices.
const dhcpServerMAC = "02:00:00:00:00:ff"

// OVS is the local OVSDB and veth surface the driver drives, satisfied
// by *ovsclient.Client.
type OVS interface {
	EnsureBridge(name string) error
	ListBridges() ([]string, error)
	AddPort(bridge, portName string, opts ovsclient.PortOptions) error
	DeletePort(bridge, portName string) error
	CreateVethPair(host, peer string, mtu int) error
	DeleteVethPair(host, peer string) error
	VethMAC(host string) (string, error)
	CreateMirror(bridge, mirrorName, srcPort, dstPort string) error
}

// OVN is the Northbound surface the driver drives, satisfied by
// *ovnclient.Client. It embeds the topology composer's view so one
// connection serves both.
type OVN interface {
	topology.Client
	DeleteLogicalPort(name string) error
	DisablePortSecurity(name string) error
	SetPortDHCP(portName, dhcpUUID string) error
	CreateDHCPOptions(cidr, serverMAC, serverIP string, extra map[string]string) (string, error)
}

// Central ensures the OVN central database pair is reachable, satisfied
// by *bootstrap.Bootstrapper.
type Central interface {
	EnsureCentral(ctx context.Context, opts bootstrap.Options) error
}

// Driver implements github.com/docker/go-plugins-helpers/network.Driver.
type Driver struct {
	mu sync.RWMutex

	log           logr.Logger
	store         *store.Store
	ovs           OVS
	bootstrapper  Central
	defaultBridge string

	// dialOVN opens an NB connection; swapped out in tests.
	dialOVN   func(ctx context.Context, nbConn string) (OVN, error)
	nbClients sync.Map // key: nbConn+"|"+sbConn -> OVN

	networks  map[string]*networkState
	endpoints map[string]*endpointState // key: networkID+"/"+endpointID
}

// New constructs a Driver with empty in-memory state; call Recover
// before serving traffic to rehydrate it from the store.
func New(log logr.Logger, st *store.Store, ovs OVS, bs Central, defaultBridge string) *Driver {
	return &Driver{
		log:           log,
		store:         st,
		ovs:           ovs,
		bootstrapper:  bs,
		defaultBridge: defaultBridge,
		dialOVN: func(ctx context.Context, nbConn string) (OVN, error) {
			return ovnclient.Connect(ctx, nbConn, log)
		},
		networks:  map[string]*networkState{},
		endpoints: map[string]*endpointState{},
	}
}

func endpointKey(networkID, endpointID string) string {
	return networkID + "/" + endpointID
}

// GetCapabilities reports a local-scope driver.
func (d *Driver) GetCapabilities() (*network.CapabilitiesResponse, error) {
	return &network.CapabilitiesResponse{
		Scope:             network.LocalScope,
		ConnectivityScope: network.LocalScope,
	}, nil
}

// ovnClientFor returns a cached OVN NB client for the (nb, sb)
// connection pair, connecting lazily on first use.
func (d *Driver) ovnClientFor(ctx context.Context, nbConn, sbConn string) (OVN, error) {
	key := nbConn + "|" + sbConn
	if cached, ok := d.nbClients.Load(key); ok {
		return cached.(OVN), nil
	}
	c, err := d.dialOVN(ctx, nbConn)
	if err != nil {
		return nil, err
	}
	actual, _ := d.nbClients.LoadOrStore(key, c)
	return actual.(OVN), nil
}

// CreateNetwork registers a network, ensures its OVS bridge, and, when
// OVN-backed, builds the logical-switch side, bootstrapping the OVN
// central container first if permitted.
func (d *Driver) CreateNetwork(r *network.CreateNetworkRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Info("CreateNetwork", "networkID", r.NetworkID)

	if existing, ok := d.networks[r.NetworkID]; ok {
		// Repeat call with the same network id is success, not
		// AlreadyExists.
		d.log.V(1).Info("CreateNetwork called again for known network", "networkID", existing.ID)
		return nil
	}

	opts, err := parseNetworkOptions(r.Options, d.defaultBridge)
	if err != nil {
		return err
	}

	var ipv4Pool, ipv4GW string
	for _, ipam := range r.IPv4Data {
		ipv4Pool = ipam.Pool
		ipv4GW = stripPrefix(ipam.Gateway)
	}
	var ipv6Pool, ipv6GW string
	for _, ipam := range r.IPv6Data {
		ipv6Pool = ipam.Pool
		ipv6GW = stripPrefix(ipam.Gateway)
	}

	if err := d.ovs.EnsureBridge(opts.Bridge); err != nil {
		return fmt.Errorf("failed to ensure bridge %s: %w", opts.Bridge, err)
	}

	ns := &networkState{
		ID:              r.NetworkID,
		Bridge:          opts.Bridge,
		VLAN:            opts.VLAN,
		MTU:             opts.MTU,
		TenantID:        opts.TenantID,
		OVNSwitch:       opts.OVNSwitch,
		OVNRouter:       opts.OVNRouter,
		Role:            opts.Role,
		ExternalGateway: stripPrefix(opts.OVNExternalGateway),
		IPv4Pool:        ipv4Pool,
		IPv4GW:          ipv4GW,
		IPv6Pool:        ipv6Pool,
		IPv6GW:          ipv6GW,
		NBConn:          opts.OVNNBConnection,
		SBConn:          opts.OVNSBConnection,
		AutoCreate:      opts.OVNAutoCreate,
		MirrorPorts:     opts.MirrorPorts,
		MirrorDest:      opts.MirrorDest,
		DHCP:            opts.DHCP,
		DNSServer:       opts.DNSServer,
		Options:         opts.Extra,
		endpoints:       map[string]struct{}{},
	}

	if opts.isOVNBacked() {
		if err := d.setUpOVNBackedNetwork(ns, opts); err != nil {
			return err
		}
	}

	d.networks[r.NetworkID] = ns

	rec := networkStateToRecord(ns)
	if err := d.store.SaveNetwork(rec); err != nil {
		d.log.Error(err, "failed to persist network, continuing with in-memory state", "networkID", r.NetworkID)
	}

	return nil
}

func (d *Driver) setUpOVNBackedNetwork(ns *networkState, opts networkOptions) error {
	ctx := context.Background()

	if err := d.bootstrapper.EnsureCentral(ctx, bootstrap.Options{
		NBConnection: ns.NBConn,
		SBConnection: ns.SBConn,
		AutoCreate:   ns.AutoCreate,
	}); err != nil {
		return err
	}

	nb, err := d.ovnClientFor(ctx, ns.NBConn, ns.SBConn)
	if err != nil {
		return err
	}

	if opts.isTransit() {
		return topology.EnsureTransit(nb, topology.TransitSpec{
			Switch:          ns.OVNSwitch,
			IPv4Pool:        ns.IPv4Pool,
			IPv4Gateway:     ns.IPv4GW,
			ExternalGateway: stripPrefix(opts.OVNExternalGateway),
		})
	}

	if err := nb.CreateLogicalSwitch(ns.OVNSwitch, map[string]string{"docker:network": ns.ID}); err != nil {
		return fmt.Errorf("failed to create logical switch %s: %w", ns.OVNSwitch, err)
	}

	if opts.wantsDHCP() && ns.IPv4Pool != "" {
		extra := map[string]string{}
		if ns.DNSServer != "" {
			extra["dns_server"] = ns.DNSServer
		}
		uuid, err := nb.CreateDHCPOptions(ns.IPv4Pool, dhcpServerMAC, ns.IPv4GW, extra)
		if err != nil {
			return fmt.Errorf("failed to create DHCP options for network %s: %w", ns.ID, err)
		}
		ns.dhcpOptionsUUID = uuid
	}

	if ns.OVNRouter != "" {
		if err := nb.CreateLogicalRouter(ns.OVNRouter, map[string]string{"docker:network": ns.ID}); err != nil {
			return fmt.Errorf("failed to create logical router %s: %w", ns.OVNRouter, err)
		}
	}

	if opts.OVNTransitNetwork != "" {
		transit, ok := d.networks[opts.OVNTransitNetwork]
		if !ok {
			return errs.New(errs.InvalidConfig, "transit network %s not found", opts.OVNTransitNetwork)
		}
		if ns.OVNRouter == "" {
			return errs.New(errs.InvalidConfig, "ovn.transit_network requires ovn.router")
		}
		var summary string
		if ns.IPv4Pool != "" {
			summary, err = topology.Summarize(ns.IPv4Pool)
			if err != nil {
				return err
			}
		}
		if err := topology.AttachToTransit(nb, topology.AttachSpec{
			TransitSwitch:    transit.OVNSwitch,
			TransitIPv4Pool:  transit.IPv4Pool,
			GatewayTransitIP: transit.IPv4GW,
			VPCRouter:        ns.OVNRouter,
			VPCSummarySubnet: summary,
		}); err != nil {
			return fmt.Errorf("failed to attach %s to transit %s: %w", ns.OVNRouter, opts.OVNTransitNetwork, err)
		}
	}

	return nil
}

// DeleteNetwork forgets a network: idempotent, refuses while endpoints
// remain, never deletes the OVN logical switch: once created it is a
// shared resource other chassis may still be using.
func (d *Driver) DeleteNetwork(r *network.DeleteNetworkRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Info("DeleteNetwork", "networkID", r.NetworkID)

	ns, ok := d.networks[r.NetworkID]
	if !ok {
		return nil
	}
	if len(ns.endpoints) > 0 {
		return errs.New(errs.Busy, "network %s still has %d endpoint(s)", r.NetworkID, len(ns.endpoints))
	}

	delete(d.networks, r.NetworkID)
	if err := d.store.DeleteNetwork(r.NetworkID); err != nil {
		d.log.Error(err, "failed to delete persisted network record", "networkID", r.NetworkID)
	}
	return nil
}

// CreateEndpoint records the endpoint without touching the host: no
// veth, no OVS port. Wiring happens at Join. A caller-supplied MAC is
// echoed back; otherwise the MAC is chosen at Join time from the
// kernel-assigned veth address.
func (d *Driver) CreateEndpoint(r *network.CreateEndpointRequest) (*network.CreateEndpointResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Info("CreateEndpoint", "networkID", r.NetworkID, "endpointID", r.EndpointID)

	ns, ok := d.networks[r.NetworkID]
	if !ok {
		return nil, errs.New(errs.InvalidConfig, "network %s not found", r.NetworkID)
	}

	key := endpointKey(r.NetworkID, r.EndpointID)
	if existing, ok := d.endpoints[key]; ok {
		return &network.CreateEndpointResponse{Interface: &network.EndpointInterface{MacAddress: existing.MAC}}, nil
	}

	var mac, ipv4, ipv6 string
	if r.Interface != nil {
		mac = r.Interface.MacAddress
		ipv4 = r.Interface.Address
		ipv6 = r.Interface.AddressIPv6
	}

	ep := &endpointState{
		ID:        r.EndpointID,
		NetworkID: r.NetworkID,
		IPv4:      ipv4,
		IPv6:      ipv6,
		MAC:       mac,
		Options:   map[string]string{},
	}
	d.endpoints[key] = ep
	ns.endpoints[r.EndpointID] = struct{}{}

	if err := d.store.SaveEndpoint(endpointStateToRecord(ep)); err != nil {
		d.log.Error(err, "failed to persist endpoint, continuing with in-memory state", "endpointID", r.EndpointID)
	}

	resp := &network.CreateEndpointResponse{}
	if mac != "" {
		resp.Interface = &network.EndpointInterface{MacAddress: mac}
	}
	return resp, nil
}

// DeleteEndpoint removes the record, reclaiming any veth/OVS port still
// present when Leave was skipped.
func (d *Driver) DeleteEndpoint(r *network.DeleteEndpointRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Info("DeleteEndpoint", "networkID", r.NetworkID, "endpointID", r.EndpointID)

	key := endpointKey(r.NetworkID, r.EndpointID)
	ep, ok := d.endpoints[key]
	if !ok {
		return nil
	}

	if ep.joined {
		d.teardownEndpoint(r.NetworkID, ep)
	}

	delete(d.endpoints, key)
	if ns, ok := d.networks[r.NetworkID]; ok {
		delete(ns.endpoints, r.EndpointID)
	}
	if err := d.store.DeleteEndpoint(r.NetworkID, r.EndpointID); err != nil {
		d.log.Error(err, "failed to delete persisted endpoint record", "endpointID", r.EndpointID)
	}
	return nil
}

func vethNames(endpointID string) (host, peer string) {
	short := endpointID
	if len(short) > 7 {
		short = short[:7]
	}
	return "veth" + short, "veth" + short + "-p"
}

func logicalPortName(endpointID string) string {
	short := endpointID
	if len(short) > 12 {
		short = short[:12]
	}
	return "lsp-" + short
}

// mirrorsTo reports whether endpointID is named in a "mirror.ports"
// comma-separated list. Matching is by prefix, since callers typically
// only know the short container id at option-set time.
func mirrorsTo(mirrorPorts, endpointID string) bool {
	if mirrorPorts == "" {
		return false
	}
	for _, p := range strings.Split(mirrorPorts, ",") {
		p = strings.TrimSpace(p)
		if p != "" && strings.HasPrefix(endpointID, p) {
			return true
		}
	}
	return false
}

// Join wires an endpoint into its network: veth pair first, then the
// OVS port, then, for OVN-backed networks, the logical switch port.
// The logical port is created last so its iface-id binding is satisfied
// the moment ovn-controller reconciles. Any failure undoes the earlier
// steps and leaves the endpoint record in the created-but-unjoined
// state so the engine may retry.
func (d *Driver) Join(r *network.JoinRequest) (*network.JoinResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Info("Join", "networkID", r.NetworkID, "endpointID", r.EndpointID)

	ns, ok := d.networks[r.NetworkID]
	if !ok {
		return nil, errs.New(errs.InvalidConfig, "network %s not found", r.NetworkID)
	}
	ep, ok := d.endpoints[endpointKey(r.NetworkID, r.EndpointID)]
	if !ok {
		return nil, errs.New(errs.InvalidConfig, "endpoint %s not found", r.EndpointID)
	}
	if ep.joined {
		return d.joinResponse(ns, ep), nil
	}

	// The bridge may be missing after a restart; recovery only verifies
	// it, leaving recreation to the first operation that needs it.
	if err := d.ovs.EnsureBridge(ns.Bridge); err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "failed to ensure bridge %s", ns.Bridge)
	}

	host, peer := vethNames(r.EndpointID)
	if err := d.ovs.CreateVethPair(host, peer, ns.MTU); err != nil && !errs.Is(err, errs.AlreadyExists) {
		return nil, errs.Wrap(errs.Unavailable, err, "failed to create veth pair for endpoint %s", r.EndpointID)
	}

	portOpts := ovsclient.PortOptions{
		ContainerID: r.EndpointID,
		NetworkID:   r.NetworkID,
		TenantID:    ns.TenantID,
		VLAN:        ns.VLAN,
	}
	var lspName string
	if ns.OVNSwitch != "" {
		lspName = logicalPortName(r.EndpointID)
		portOpts.IfaceID = lspName
	}

	if err := d.ovs.AddPort(ns.Bridge, peer, portOpts); err != nil {
		d.ovs.DeleteVethPair(host, peer)
		return nil, errs.Wrap(errs.Unavailable, err, "failed to attach endpoint %s to bridge %s", r.EndpointID, ns.Bridge)
	}

	mac, err := d.ovs.VethMAC(host)
	if err != nil {
		d.ovs.DeletePort(ns.Bridge, peer)
		d.ovs.DeleteVethPair(host, peer)
		return nil, errs.Wrap(errs.Unavailable, err, "failed to read veth MAC for endpoint %s", r.EndpointID)
	}
	ep.MAC = mac
	ep.VethHost = host
	ep.VethPeer = peer

	if ns.OVNSwitch != "" {
		nb, err := d.ovnClientFor(context.Background(), ns.NBConn, ns.SBConn)
		if err != nil {
			d.ovs.DeletePort(ns.Bridge, peer)
			d.ovs.DeleteVethPair(host, peer)
			return nil, err
		}

		if err := nb.CreateLogicalPort(ns.OVNSwitch, lspName, mac, ep.IPv4, ovnclient.LogicalPortOptions{
			ExternalIDs: map[string]string{"docker:endpoint": r.EndpointID, "docker:network": r.NetworkID},
		}); err != nil {
			d.ovs.DeletePort(ns.Bridge, peer)
			d.ovs.DeleteVethPair(host, peer)
			return nil, errs.Wrap(errs.Unavailable, err, "failed to create OVN logical port for endpoint %s", r.EndpointID)
		}
		ep.Options["ovn.logical_port"] = lspName

		if ns.Role == roleTransit && ns.ExternalGateway != "" && ep.IPv4 != "" && ns.ExternalGateway == stripPrefix(ep.IPv4) {
			if err := nb.DisablePortSecurity(lspName); err != nil {
				d.log.Error(err, "failed to disable port security for NAT gateway endpoint", "endpointID", r.EndpointID)
			}
		}

		if ns.dhcpOptionsUUID != "" {
			if err := nb.SetPortDHCP(lspName, ns.dhcpOptionsUUID); err != nil {
				d.log.Error(err, "failed to attach DHCP options to logical port", "port", lspName)
			}
		}
	}

	if ns.MirrorDest != "" && mirrorsTo(ns.MirrorPorts, r.EndpointID) {
		mirrorName := "mirror-" + r.EndpointID
		if err := d.ovs.CreateMirror(ns.Bridge, mirrorName, peer, ns.MirrorDest); err != nil {
			d.log.Error(err, "failed to install mirror rule", "port", peer, "dest", ns.MirrorDest)
		}
	}

	ep.joined = true
	if err := d.store.SaveEndpoint(endpointStateToRecord(ep)); err != nil {
		d.log.Error(err, "failed to persist endpoint after join, continuing with in-memory state", "endpointID", r.EndpointID)
	}

	return d.joinResponse(ns, ep), nil
}

// joinResponse hands the engine the host end of the veth pair (the
// engine moves it into the sandbox and renames it eth<N>); the peer end
// stays on the OVS bridge.
func (d *Driver) joinResponse(ns *networkState, ep *endpointState) *network.JoinResponse {
	host, _ := vethNames(ep.ID)
	return &network.JoinResponse{
		InterfaceName: network.InterfaceName{
			SrcName:   host,
			DstPrefix: "eth",
		},
		Gateway:               ns.IPv4GW,
		GatewayIPv6:           ns.IPv6GW,
		DisableGatewayService: ns.DHCP == "ovn",
	}
}

// Leave unwires an endpoint: OVN logical port, OVS port, veth pair, in
// that order. Idempotent; each step tolerates a not-found state. The
// endpoint record is retained until DeleteEndpoint.
func (d *Driver) Leave(r *network.LeaveRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Info("Leave", "networkID", r.NetworkID, "endpointID", r.EndpointID)

	ep, ok := d.endpoints[endpointKey(r.NetworkID, r.EndpointID)]
	if !ok {
		return nil
	}
	d.teardownEndpoint(r.NetworkID, ep)

	if err := d.store.SaveEndpoint(endpointStateToRecord(ep)); err != nil {
		d.log.Error(err, "failed to persist endpoint after leave, continuing with in-memory state", "endpointID", r.EndpointID)
	}
	return nil
}

// teardownEndpoint reverses Join's effects in order: OVN logical port,
// then OVS port, then veth pair.
func (d *Driver) teardownEndpoint(networkID string, ep *endpointState) {
	ns, ok := d.networks[networkID]
	if ok && ns.OVNSwitch != "" {
		if lspName, ok := ep.Options["ovn.logical_port"]; ok && lspName != "" {
			if nb, err := d.ovnClientFor(context.Background(), ns.NBConn, ns.SBConn); err == nil {
				if err := nb.DeleteLogicalPort(lspName); err != nil {
					d.log.Error(err, "failed to delete OVN logical port on leave", "port", lspName)
				}
			}
		}
	}

	bridge := d.defaultBridge
	if ok {
		bridge = ns.Bridge
	}
	if ep.VethPeer != "" {
		if err := d.ovs.DeletePort(bridge, ep.VethPeer); err != nil {
			d.log.Error(err, "failed to remove OVS port on leave", "port", ep.VethPeer)
		}
	}
	if ep.VethHost != "" {
		if err := d.ovs.DeleteVethPair(ep.VethHost, ep.VethPeer); err != nil {
			d.log.Error(err, "failed to delete veth pair on leave", "host", ep.VethHost)
		}
	}

	ep.joined = false
}

// EndpointInfo reports an endpoint's MAC, addresses and OVS port from
// the in-memory record.
func (d *Driver) EndpointInfo(r *network.InfoRequest) (*network.InfoResponse, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ep, ok := d.endpoints[endpointKey(r.NetworkID, r.EndpointID)]
	if !ok {
		return nil, errs.New(errs.NotFound, "endpoint %s not found", r.EndpointID)
	}

	value := map[string]string{
		"mac":  ep.MAC,
		"ipv4": ep.IPv4,
	}
	if ep.IPv6 != "" {
		value["ipv6"] = ep.IPv6
	}
	if ep.VethPeer != "" {
		value["ovs_port"] = ep.VethPeer
	}
	return &network.InfoResponse{Value: value}, nil
}

// The remaining methods cover concerns this driver leaves to the engine
// or the underlay: no IPAM, no physical-connectivity programming, no
// discovery handling. They are genuine no-ops, kept only to satisfy the
// network.Driver interface contract.

func (d *Driver) ProgramExternalConnectivity(*network.ProgramExternalConnectivityRequest) error {
	return nil
}

func (d *Driver) RevokeExternalConnectivity(*network.RevokeExternalConnectivityRequest) error {
	return nil
}

func (d *Driver) DiscoverNew(*network.DiscoveryNotification) error { return nil }

func (d *Driver) DiscoverDelete(*network.DiscoveryNotification) error { return nil }

func (d *Driver) AllocateNetwork(r *network.AllocateNetworkRequest) (*network.AllocateNetworkResponse, error) {
	return &network.AllocateNetworkResponse{}, nil
}

func (d *Driver) FreeNetwork(*network.FreeNetworkRequest) error { return nil }

func stripPrefix(addr string) string {
	if addr == "" {
		return ""
	}
	if ip, _, err := net.ParseCIDR(addr); err == nil {
		return ip.String()
	}
	return addr
}
