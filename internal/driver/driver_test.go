package driver

import (
	"context"
	"fmt"
	"testing"

	"github.com/docker/go-plugins-helpers/network"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"ovn-docker-plugin/internal/bootstrap"
	"ovn-docker-plugin/internal/errs"
	"ovn-docker-plugin/internal/ovnclient"
	"ovn-docker-plugin/internal/ovsclient"
	"ovn-docker-plugin/internal/store"
)

// fakeOVS stands in for the local OVSDB and veth plumbing.
type fakeOVS struct {
	bridges  map[string]bool
	ports    map[string]string // port -> bridge
	portOpts map[string]ovsclient.PortOptions
	veths    map[string]string // host -> mac
	mirrors  []string
	vethSeq  int

	addPortErr error
}

func newFakeOVS() *fakeOVS {
	return &fakeOVS{
		bridges:  map[string]bool{},
		ports:    map[string]string{},
		portOpts: map[string]ovsclient.PortOptions{},
		veths:    map[string]string{},
	}
}

func (f *fakeOVS) EnsureBridge(name string) error {
	f.bridges[name] = true
	return nil
}

func (f *fakeOVS) ListBridges() ([]string, error) {
	var names []string
	for name := range f.bridges {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeOVS) AddPort(bridge, portName string, opts ovsclient.PortOptions) error {
	if f.addPortErr != nil {
		return f.addPortErr
	}
	f.ports[portName] = bridge
	f.portOpts[portName] = opts
	return nil
}

func (f *fakeOVS) DeletePort(_, portName string) error {
	delete(f.ports, portName)
	delete(f.portOpts, portName)
	return nil
}

func (f *fakeOVS) CreateVethPair(host, _ string, _ int) error {
	if _, ok := f.veths[host]; ok {
		return errs.New(errs.AlreadyExists, "veth %s already exists", host)
	}
	f.vethSeq++
	f.veths[host] = fmt.Sprintf("0a:58:00:00:00:%02x", f.vethSeq)
	return nil
}

func (f *fakeOVS) DeleteVethPair(host, _ string) error {
	delete(f.veths, host)
	return nil
}

func (f *fakeOVS) VethMAC(host string) (string, error) {
	mac, ok := f.veths[host]
	if !ok {
		return "", errs.New(errs.Unavailable, "veth %s not found", host)
	}
	return mac, nil
}

func (f *fakeOVS) CreateMirror(_, mirrorName, _, _ string) error {
	f.mirrors = append(f.mirrors, mirrorName)
	return nil
}

type fakeLSP struct {
	switchName string
	mac        string
	ip         string
}

// fakeOVN stands in for the Northbound database.
type fakeOVN struct {
	switches    map[string]bool
	routers     map[string]bool
	ports       map[string]fakeLSP
	routerPorts map[string][]string
	routes      map[string][]string // router -> "prefix nextHop"
	noPortSec   map[string]bool
	portDHCP    map[string]string
	dhcpSeq     int
}

func newFakeOVN() *fakeOVN {
	return &fakeOVN{
		switches:    map[string]bool{},
		routers:     map[string]bool{},
		ports:       map[string]fakeLSP{},
		routerPorts: map[string][]string{},
		routes:      map[string][]string{},
		noPortSec:   map[string]bool{},
		portDHCP:    map[string]string{},
	}
}

func (f *fakeOVN) CreateLogicalSwitch(name string, _ map[string]string) error {
	f.switches[name] = true
	return nil
}

func (f *fakeOVN) CreateLogicalRouter(name string, _ map[string]string) error {
	f.routers[name] = true
	return nil
}

func (f *fakeOVN) CreateLogicalRouterPort(router, name, _ string, _ []string) error {
	f.routerPorts[router] = append(f.routerPorts[router], name)
	return nil
}

func (f *fakeOVN) CreateLogicalPort(switchName, name, mac, ip string, _ ovnclient.LogicalPortOptions) error {
	f.ports[name] = fakeLSP{switchName: switchName, mac: mac, ip: ip}
	return nil
}

func (f *fakeOVN) AddStaticRoute(router, prefix, nextHop string) error {
	f.routes[router] = append(f.routes[router], prefix+" "+nextHop)
	return nil
}

func (f *fakeOVN) DeleteLogicalPort(name string) error {
	delete(f.ports, name)
	return nil
}

func (f *fakeOVN) DisablePortSecurity(name string) error {
	f.noPortSec[name] = true
	return nil
}

func (f *fakeOVN) SetPortDHCP(portName, dhcpUUID string) error {
	f.portDHCP[portName] = dhcpUUID
	return nil
}

func (f *fakeOVN) CreateDHCPOptions(_, _, _ string, _ map[string]string) (string, error) {
	f.dhcpSeq++
	return fmt.Sprintf("dhcp-uuid-%d", f.dhcpSeq), nil
}

type fakeCentral struct {
	calls int
}

func (f *fakeCentral) EnsureCentral(context.Context, bootstrap.Options) error {
	f.calls++
	return nil
}

type harness struct {
	d       *Driver
	ovs     *fakeOVS
	ovn     *fakeOVN
	central *fakeCentral
	dataDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dataDir := t.TempDir()
	st, err := store.New(dataDir, logr.Discard())
	require.NoError(t, err)

	h := &harness{
		ovs:     newFakeOVS(),
		ovn:     newFakeOVN(),
		central: &fakeCentral{},
		dataDir: dataDir,
	}
	h.d = New(logr.Discard(), st, h.ovs, h.central, "br-int")
	h.d.dialOVN = func(context.Context, string) (OVN, error) { return h.ovn, nil }
	return h
}

func ovnOptions(switchName string) map[string]interface{} {
	return map[string]interface{}{
		"ovn.switch":        switchName,
		"ovn.nb_connection": "tcp:127.0.0.1:6641",
		"ovn.sb_connection": "tcp:127.0.0.1:6642",
		"ovn.auto_create":   "false",
	}
}

func createNetwork(t *testing.T, h *harness, id string, opts map[string]interface{}, pool, gw string) {
	t.Helper()
	err := h.d.CreateNetwork(&network.CreateNetworkRequest{
		NetworkID: id,
		Options:   map[string]interface{}{"com.docker.network.generic": opts},
		IPv4Data:  []*network.IPAMData{{Pool: pool, Gateway: gw}},
	})
	require.NoError(t, err)
}

func createEndpoint(t *testing.T, h *harness, networkID, endpointID, mac, addr string) {
	t.Helper()
	_, err := h.d.CreateEndpoint(&network.CreateEndpointRequest{
		NetworkID:  networkID,
		EndpointID: endpointID,
		Interface:  &network.EndpointInterface{MacAddress: mac, Address: addr},
	})
	require.NoError(t, err)
}

func TestCreateNetworkIdempotent(t *testing.T) {
	h := newHarness(t)
	createNetwork(t, h, "N1", map[string]interface{}{"bridge": "br-int"}, "10.9.0.0/24", "10.9.0.1/24")
	createNetwork(t, h, "N1", map[string]interface{}{"bridge": "br-int"}, "10.9.0.0/24", "10.9.0.1/24")

	require.True(t, h.ovs.bridges["br-int"])
	require.Empty(t, h.ovn.switches, "plain bridge network must not touch OVN")
	require.Equal(t, 0, h.central.calls)
}

func TestJoinWiresVethPortAndGateway(t *testing.T) {
	h := newHarness(t)
	createNetwork(t, h, "N1", map[string]interface{}{}, "10.9.0.0/24", "10.9.0.1/24")
	createEndpoint(t, h, "N1", "aabbccdd11223344", "02:aa:bb:cc:dd:ee", "10.9.0.10/24")

	resp, err := h.d.Join(&network.JoinRequest{NetworkID: "N1", EndpointID: "aabbccdd11223344"})
	require.NoError(t, err)

	require.Equal(t, "vethaabbccd", resp.InterfaceName.SrcName)
	require.Equal(t, "eth", resp.InterfaceName.DstPrefix)
	require.Equal(t, "10.9.0.1", resp.Gateway)
	require.Contains(t, h.ovs.veths, "vethaabbccd")
	require.Equal(t, "br-int", h.ovs.ports["vethaabbccd-p"])
}

func TestJoinRollsBackVethOnAddPortFailure(t *testing.T) {
	h := newHarness(t)
	createNetwork(t, h, "N1", map[string]interface{}{}, "10.9.0.0/24", "10.9.0.1/24")
	createEndpoint(t, h, "N1", "aabbccdd11223344", "", "10.9.0.10/24")

	h.ovs.addPortErr = errs.New(errs.Unavailable, "ovsdb down")
	_, err := h.d.Join(&network.JoinRequest{NetworkID: "N1", EndpointID: "aabbccdd11223344"})
	require.Error(t, err)
	require.Empty(t, h.ovs.veths, "veth must not survive a failed Join")

	// The record survives in the unjoined state, so the engine may retry.
	h.ovs.addPortErr = nil
	_, err = h.d.Join(&network.JoinRequest{NetworkID: "N1", EndpointID: "aabbccdd11223344"})
	require.NoError(t, err)
}

func TestJoinBindsKernelMACAndIfaceID(t *testing.T) {
	h := newHarness(t)
	createNetwork(t, h, "N2", ovnOptions("ls-a"), "10.0.1.0/24", "10.0.1.1/24")
	createEndpoint(t, h, "N2", "aabbccdd11223344", "02:ca:fe:00:00:01", "10.0.1.10/24")

	_, err := h.d.Join(&network.JoinRequest{NetworkID: "N2", EndpointID: "aabbccdd11223344"})
	require.NoError(t, err)

	lsp, ok := h.ovn.ports["lsp-aabbccdd1122"]
	require.True(t, ok, "logical port must be named lsp-<first-12-of-endpoint-id>")
	require.Equal(t, "ls-a", lsp.switchName)
	require.Equal(t, h.ovs.veths["vethaabbccd"], lsp.mac,
		"OVN port MAC must be the kernel-assigned veth MAC, not the caller's hint")

	require.Equal(t, "lsp-aabbccdd1122", h.ovs.portOpts["vethaabbccd-p"].IfaceID)
	require.Equal(t, 1, h.central.calls)
}

func TestDeleteNetworkBusyUntilEndpointsGone(t *testing.T) {
	h := newHarness(t)
	createNetwork(t, h, "N1", map[string]interface{}{}, "10.9.0.0/24", "10.9.0.1/24")
	createEndpoint(t, h, "N1", "aabbccdd11223344", "", "10.9.0.10/24")
	_, err := h.d.Join(&network.JoinRequest{NetworkID: "N1", EndpointID: "aabbccdd11223344"})
	require.NoError(t, err)

	err = h.d.DeleteNetwork(&network.DeleteNetworkRequest{NetworkID: "N1"})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Busy))

	require.NoError(t, h.d.Leave(&network.LeaveRequest{NetworkID: "N1", EndpointID: "aabbccdd11223344"}))
	require.NoError(t, h.d.DeleteEndpoint(&network.DeleteEndpointRequest{NetworkID: "N1", EndpointID: "aabbccdd11223344"}))
	require.NoError(t, h.d.DeleteNetwork(&network.DeleteNetworkRequest{NetworkID: "N1"}))

	// Idempotent after the fact.
	require.NoError(t, h.d.DeleteNetwork(&network.DeleteNetworkRequest{NetworkID: "N1"}))
}

func TestDeleteNetworkRetainsLogicalSwitch(t *testing.T) {
	h := newHarness(t)
	createNetwork(t, h, "N2", ovnOptions("ls-a"), "10.0.1.0/24", "10.0.1.1/24")
	require.True(t, h.ovn.switches["ls-a"])

	require.NoError(t, h.d.DeleteNetwork(&network.DeleteNetworkRequest{NetworkID: "N2"}))
	require.True(t, h.ovn.switches["ls-a"], "logical switch is shared and must survive DeleteNetwork")
}

func TestLeaveIdempotentAndTearsDownEverything(t *testing.T) {
	h := newHarness(t)
	createNetwork(t, h, "N2", ovnOptions("ls-a"), "10.0.1.0/24", "10.0.1.1/24")
	createEndpoint(t, h, "N2", "aabbccdd11223344", "", "10.0.1.10/24")
	_, err := h.d.Join(&network.JoinRequest{NetworkID: "N2", EndpointID: "aabbccdd11223344"})
	require.NoError(t, err)

	require.NoError(t, h.d.Leave(&network.LeaveRequest{NetworkID: "N2", EndpointID: "aabbccdd11223344"}))
	require.Empty(t, h.ovs.veths)
	require.Empty(t, h.ovs.ports)
	require.NotContains(t, h.ovn.ports, "lsp-aabbccdd1122")

	require.NoError(t, h.d.Leave(&network.LeaveRequest{NetworkID: "N2", EndpointID: "aabbccdd11223344"}))
	require.NoError(t, h.d.Leave(&network.LeaveRequest{NetworkID: "N2", EndpointID: "unknown"}))
}

func TestGatewayEndpointGetsPortSecurityDisabled(t *testing.T) {
	h := newHarness(t)
	opts := ovnOptions("ls-t")
	opts["ovn.role"] = "transit"
	opts["ovn.external_gateway"] = "192.168.100.254/24"
	createNetwork(t, h, "NT", opts, "192.168.100.0/24", "192.168.100.1/24")

	createEndpoint(t, h, "NT", "f00dfeed11223344", "", "192.168.100.254/24")
	_, err := h.d.Join(&network.JoinRequest{NetworkID: "NT", EndpointID: "f00dfeed11223344"})
	require.NoError(t, err)
	require.True(t, h.ovn.noPortSec["lsp-f00dfeed1122"], "NAT gateway endpoint must lose port security")

	createEndpoint(t, h, "NT", "0123456789abcdef", "", "192.168.100.50/24")
	_, err = h.d.Join(&network.JoinRequest{NetworkID: "NT", EndpointID: "0123456789abcdef"})
	require.NoError(t, err)
	require.False(t, h.ovn.noPortSec["lsp-0123456789ab"], "ordinary endpoints keep port security")
}

func TestTransitAndVPCAttach(t *testing.T) {
	h := newHarness(t)
	transit := ovnOptions("ls-t")
	transit["ovn.role"] = "transit"
	transit["ovn.external_gateway"] = "192.168.100.254/24"
	createNetwork(t, h, "NT", transit, "192.168.100.0/24", "192.168.100.1/24")

	vpc := ovnOptions("ls-a")
	vpc["ovn.router"] = "lr-vpc-a"
	vpc["ovn.transit_network"] = "NT"
	createNetwork(t, h, "NA", vpc, "10.0.1.0/24", "10.0.1.1/24")

	require.True(t, h.ovn.routers["lr-gateway"])
	require.True(t, h.ovn.routers["lr-vpc-a"])
	require.Contains(t, h.ovn.routes["lr-gateway"], "0.0.0.0/0 192.168.100.254")
	require.Contains(t, h.ovn.routes["lr-vpc-a"], "0.0.0.0/0 192.168.100.1")
	require.Contains(t, h.ovn.routes["lr-gateway"], "10.0.0.0/16 192.168.100.10")
}

func TestVPCAttachRequiresKnownTransit(t *testing.T) {
	h := newHarness(t)
	vpc := ovnOptions("ls-a")
	vpc["ovn.router"] = "lr-vpc-a"
	vpc["ovn.transit_network"] = "missing"
	err := h.d.CreateNetwork(&network.CreateNetworkRequest{
		NetworkID: "NA",
		Options:   map[string]interface{}{"com.docker.network.generic": vpc},
		IPv4Data:  []*network.IPAMData{{Pool: "10.0.1.0/24", Gateway: "10.0.1.1/24"}},
	})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.InvalidConfig))
}

func TestEndpointInfoSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	createNetwork(t, h, "N2", ovnOptions("ls-a"), "10.0.1.0/24", "10.0.1.1/24")
	createEndpoint(t, h, "N2", "aabbccdd11223344", "", "10.0.1.10/24")
	_, err := h.d.Join(&network.JoinRequest{NetworkID: "N2", EndpointID: "aabbccdd11223344"})
	require.NoError(t, err)

	before, err := h.d.EndpointInfo(&network.InfoRequest{NetworkID: "N2", EndpointID: "aabbccdd11223344"})
	require.NoError(t, err)

	// A fresh driver over the same data directory stands in for a
	// daemon restart.
	st, err := store.New(h.dataDir, logr.Discard())
	require.NoError(t, err)
	d2 := New(logr.Discard(), st, h.ovs, h.central, "br-int")
	d2.dialOVN = func(context.Context, string) (OVN, error) { return h.ovn, nil }
	d2.Recover()

	after, err := d2.EndpointInfo(&network.InfoRequest{NetworkID: "N2", EndpointID: "aabbccdd11223344"})
	require.NoError(t, err)
	require.Equal(t, before.Value["mac"], after.Value["mac"])
	require.Equal(t, before.Value["ipv4"], after.Value["ipv4"])
}

func TestRecoveryDefersBridgeRecreationToJoin(t *testing.T) {
	h := newHarness(t)
	createNetwork(t, h, "N1", map[string]interface{}{}, "10.9.0.0/24", "10.9.0.1/24")
	createEndpoint(t, h, "N1", "aabbccdd11223344", "", "10.9.0.10/24")

	// Restart onto a host whose bridge is gone.
	st, err := store.New(h.dataDir, logr.Discard())
	require.NoError(t, err)
	ovs2 := newFakeOVS()
	d2 := New(logr.Discard(), st, ovs2, h.central, "br-int")
	d2.dialOVN = func(context.Context, string) (OVN, error) { return h.ovn, nil }
	d2.Recover()
	require.Empty(t, ovs2.bridges, "recovery must not recreate bridges")

	_, err = d2.Join(&network.JoinRequest{NetworkID: "N1", EndpointID: "aabbccdd11223344"})
	require.NoError(t, err)
	require.True(t, ovs2.bridges["br-int"], "Join recreates the missing bridge")
}

func TestCreateEndpointIdempotentAndEchoesMAC(t *testing.T) {
	h := newHarness(t)
	createNetwork(t, h, "N1", map[string]interface{}{}, "10.9.0.0/24", "10.9.0.1/24")

	resp, err := h.d.CreateEndpoint(&network.CreateEndpointRequest{
		NetworkID:  "N1",
		EndpointID: "aabbccdd11223344",
		Interface:  &network.EndpointInterface{MacAddress: "02:aa:bb:cc:dd:ee", Address: "10.9.0.10/24"},
	})
	require.NoError(t, err)
	require.Equal(t, "02:aa:bb:cc:dd:ee", resp.Interface.MacAddress)

	again, err := h.d.CreateEndpoint(&network.CreateEndpointRequest{
		NetworkID:  "N1",
		EndpointID: "aabbccdd11223344",
	})
	require.NoError(t, err)
	require.Equal(t, "02:aa:bb:cc:dd:ee", again.Interface.MacAddress)

	// No MAC supplied: none invented before Join.
	noMAC, err := h.d.CreateEndpoint(&network.CreateEndpointRequest{
		NetworkID:  "N1",
		EndpointID: "0123456789abcdef",
		Interface:  &network.EndpointInterface{Address: "10.9.0.11/24"},
	})
	require.NoError(t, err)
	require.Nil(t, noMAC.Interface)

	require.NoError(t, h.d.DeleteEndpoint(&network.DeleteEndpointRequest{NetworkID: "N1", EndpointID: "0123456789abcdef"}))
	require.NoError(t, h.d.DeleteEndpoint(&network.DeleteEndpointRequest{NetworkID: "N1", EndpointID: "0123456789abcdef"}))
}

func TestDHCPNetworkAttachesOptionsAndDisablesGatewayService(t *testing.T) {
	h := newHarness(t)
	opts := ovnOptions("ls-a")
	opts["dhcp"] = "ovn"
	createNetwork(t, h, "N2", opts, "10.0.1.0/24", "10.0.1.1/24")
	createEndpoint(t, h, "N2", "aabbccdd11223344", "", "10.0.1.10/24")

	resp, err := h.d.Join(&network.JoinRequest{NetworkID: "N2", EndpointID: "aabbccdd11223344"})
	require.NoError(t, err)
	require.True(t, resp.DisableGatewayService)
	require.Equal(t, "dhcp-uuid-1", h.ovn.portDHCP["lsp-aabbccdd1122"])
}
