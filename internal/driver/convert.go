package driver

import "ovn-docker-plugin/internal/store"

func networkStateToRecord(ns *networkState) store.NetworkRecord {
	return store.NetworkRecord{
		ID:              ns.ID,
		Bridge:          ns.Bridge,
		VLAN:            ns.VLAN,
		MTU:             ns.MTU,
		TenantID:        ns.TenantID,
		OVNSwitch:       ns.OVNSwitch,
		OVNRouter:       ns.OVNRouter,
		Role:            ns.Role,
		ExternalGateway: ns.ExternalGateway,
		IPv4Pool:        ns.IPv4Pool,
		IPv4GW:          ns.IPv4GW,
		IPv6Pool:        ns.IPv6Pool,
		IPv6GW:          ns.IPv6GW,
		NBConn:          ns.NBConn,
		SBConn:          ns.SBConn,
		AutoCreate:      ns.AutoCreate,
		MirrorPorts:     ns.MirrorPorts,
		MirrorDest:      ns.MirrorDest,
		DHCP:            ns.DHCP,
		DNSServer:       ns.DNSServer,
		DHCPOptionsUUID: ns.dhcpOptionsUUID,
		Options:         ns.Options,
	}
}

func networkStateFromRecord(rec store.NetworkRecord) *networkState {
	return &networkState{
		ID:              rec.ID,
		Bridge:          rec.Bridge,
		VLAN:            rec.VLAN,
		MTU:             rec.MTU,
		TenantID:        rec.TenantID,
		OVNSwitch:       rec.OVNSwitch,
		OVNRouter:       rec.OVNRouter,
		Role:            rec.Role,
		ExternalGateway: rec.ExternalGateway,
		IPv4Pool:        rec.IPv4Pool,
		IPv4GW:          rec.IPv4GW,
		IPv6Pool:        rec.IPv6Pool,
		IPv6GW:          rec.IPv6GW,
		NBConn:          rec.NBConn,
		SBConn:          rec.SBConn,
		AutoCreate:      rec.AutoCreate,
		MirrorPorts:     rec.MirrorPorts,
		MirrorDest:      rec.MirrorDest,
		DHCP:            rec.DHCP,
		DNSServer:       rec.DNSServer,
		dhcpOptionsUUID: rec.DHCPOptionsUUID,
		Options:         rec.Options,
		endpoints:       map[string]struct{}{},
	}
}

func endpointStateToRecord(ep *endpointState) store.EndpointRecord {
	return store.EndpointRecord{
		ID:        ep.ID,
		NetworkID: ep.NetworkID,
		IPv4:      ep.IPv4,
		IPv6:      ep.IPv6,
		MAC:       ep.MAC,
		VethHost:  ep.VethHost,
		VethPeer:  ep.VethPeer,
		Options:   ep.Options,
	}
}

func endpointStateFromRecord(rec store.EndpointRecord) *endpointState {
	if rec.Options == nil {
		rec.Options = map[string]string{}
	}
	return &endpointState{
		ID:        rec.ID,
		NetworkID: rec.NetworkID,
		IPv4:      rec.IPv4,
		IPv6:      rec.IPv6,
		MAC:       rec.MAC,
		VethHost:  rec.VethHost,
		VethPeer:  rec.VethPeer,
		Options:   rec.Options,
		joined:    rec.VethHost != "",
	}
}
