// Package topology stitches VPC-level logical routers to a shared
// transit logical switch and gateway router. It is pure orchestration
// over internal/ovnclient; it defines no OVSDB models of its own.
package topology

import (
	"fmt"
	"net"
	"strings"

	"ovn-docker-plugin/internal/errs"
	"ovn-docker-plugin/internal/ovnclient"
)

const gatewayRouterName = "lr-gateway"

// Fixed router-port MACs. TODO: derive per-router MACs before running
// more than one gateway/VPC router pair per NB database; fixed values
// collide in larger deployments.
const (
	gatewayPortMAC = "02:00:00:00:00:01"
	vpcPortMAC     = "02:00:00:00:00:10"
	vpcRouterMAC   = "02:00:00:00:01:01"
)

// Client is the OVN Northbound surface the composer drives, satisfied
// by *ovnclient.Client.
type Client interface {
	CreateLogicalSwitch(name string, extIDs map[string]string) error
	CreateLogicalRouter(name string, extIDs map[string]string) error
	CreateLogicalRouterPort(router, name, mac string, networks []string) error
	CreateLogicalPort(switchName, name, mac, ip string, opts ovnclient.LogicalPortOptions) error
	AddStaticRoute(router, prefix, nextHop string) error
}

// TransitSpec describes the transit network passed to EnsureTransit.
type TransitSpec struct {
	Switch          string
	IPv4Pool        string // e.g. "192.168.100.0/24"
	IPv4Gateway     string // e.g. "192.168.100.1"
	ExternalGateway string // optional, e.g. "192.168.100.254"
}

// EnsureTransit builds the transit side of the topology: the transit
// logical switch, the shared lr-gateway router, the router port
// connecting them, and (if declared) a default route toward the
// external gateway. Every step is idempotent-by-name, so a failed call
// is recovered by retrying.
func EnsureTransit(c Client, spec TransitSpec) error {
	if err := c.CreateLogicalSwitch(spec.Switch, nil); err != nil {
		return fmt.Errorf("failed to ensure transit switch %s: %w", spec.Switch, err)
	}
	if err := c.CreateLogicalRouter(gatewayRouterName, nil); err != nil {
		return fmt.Errorf("failed to ensure gateway router: %w", err)
	}

	prefixLen, err := prefixLength(spec.IPv4Pool)
	if err != nil {
		return err
	}
	gatewayNetwork := fmt.Sprintf("%s/%d", spec.IPv4Gateway, prefixLen)

	routerPort := fmt.Sprintf("rp-lr-gateway-%s", spec.Switch)
	if err := c.CreateLogicalRouterPort(gatewayRouterName, routerPort, gatewayPortMAC, []string{gatewayNetwork}); err != nil {
		return fmt.Errorf("failed to create transit router port %s: %w", routerPort, err)
	}

	switchPort := fmt.Sprintf("sp-%s-lr-gateway", spec.Switch)
	if err := c.CreateLogicalPort(spec.Switch, switchPort, "", "", ovnclient.LogicalPortOptions{
		Type:       "router",
		RouterPort: routerPort,
	}); err != nil {
		return fmt.Errorf("failed to create transit switch port %s: %w", switchPort, err)
	}

	if spec.ExternalGateway != "" {
		if err := c.AddStaticRoute(gatewayRouterName, "0.0.0.0/0", spec.ExternalGateway); err != nil && !errs.Is(err, errs.AlreadyExists) {
			return fmt.Errorf("failed to install default route on %s: %w", gatewayRouterName, err)
		}
	}

	return nil
}

// transitIPForRouter picks the VPC router's address on the transit
// subnet. Simple deterministic policy keyed on the router name.
// TODO: replace with real IPAM once more than a handful of VPC routers
// share one transit switch.
func transitIPForRouter(routerName string) string {
	switch {
	case strings.Contains(routerName, "vpc-a"):
		return "10"
	case strings.Contains(routerName, "vpc-b"):
		return "20"
	default:
		return "100"
	}
}

// AttachSpec describes one VPC-to-transit attachment.
type AttachSpec struct {
	TransitSwitch    string
	TransitIPv4Pool  string // e.g. "192.168.100.0/24"
	GatewayTransitIP string // lr-gateway's IP on the transit subnet, e.g. "192.168.100.1"
	VPCRouter        string // e.g. "lr-vpc-a"
	VPCSummarySubnet string // e.g. "10.0.0.0/16", the route lr-gateway should return through
}

// AttachToTransit stitches one VPC router into the transit switch: a
// router port on the VPC router and a matching switch-side port on the
// transit switch, a default route on the VPC router toward the
// gateway's transit IP, and a return route on lr-gateway for the VPC's
// summary subnet.
func AttachToTransit(c Client, spec AttachSpec) error {
	prefixLen, err := prefixLength(spec.TransitIPv4Pool)
	if err != nil {
		return err
	}

	lastOctet := transitIPForRouter(spec.VPCRouter)
	transitIP, err := replaceLastOctet(spec.TransitIPv4Pool, lastOctet)
	if err != nil {
		return err
	}
	transitNetwork := fmt.Sprintf("%s/%d", transitIP, prefixLen)

	routerPort := fmt.Sprintf("rp-%s-transit", spec.VPCRouter)
	if err := c.CreateLogicalRouterPort(spec.VPCRouter, routerPort, vpcRouterMAC, []string{transitNetwork}); err != nil {
		return fmt.Errorf("failed to create VPC router transit port %s: %w", routerPort, err)
	}

	switchPort := fmt.Sprintf("sp-%s-%s", spec.TransitSwitch, spec.VPCRouter)
	if err := c.CreateLogicalPort(spec.TransitSwitch, switchPort, "", "", ovnclient.LogicalPortOptions{
		Type:       "router",
		RouterPort: routerPort,
	}); err != nil {
		return fmt.Errorf("failed to create transit switch port %s: %w", switchPort, err)
	}

	if err := c.AddStaticRoute(spec.VPCRouter, "0.0.0.0/0", spec.GatewayTransitIP); err != nil && !errs.Is(err, errs.AlreadyExists) {
		return fmt.Errorf("failed to install default route on %s: %w", spec.VPCRouter, err)
	}

	if spec.VPCSummarySubnet != "" {
		if err := c.AddStaticRoute(gatewayRouterName, spec.VPCSummarySubnet, transitIP); err != nil && !errs.Is(err, errs.AlreadyExists) {
			return fmt.Errorf("failed to install return route on %s: %w", gatewayRouterName, err)
		}
	}

	return nil
}

// Summarize widens an IPv4 pool to its covering /16, the summary route
// lr-gateway uses to reach every subnet of one VPC. Pools already /16
// or wider are returned in canonical form unchanged.
func Summarize(pool string) (string, error) {
	_, ipNet, err := net.ParseCIDR(pool)
	if err != nil {
		return "", errs.Wrap(errs.InvalidConfig, err, "malformed IPv4 pool %q", pool)
	}
	if ipNet.IP.To4() == nil {
		return "", errs.New(errs.InvalidConfig, "pool %q is not IPv4", pool)
	}
	ones, bits := ipNet.Mask.Size()
	if ones <= 16 {
		return ipNet.String(), nil
	}
	mask := net.CIDRMask(16, bits)
	summary := &net.IPNet{IP: ipNet.IP.Mask(mask), Mask: mask}
	return summary.String(), nil
}

func prefixLength(cidr string) (int, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return 0, errs.Wrap(errs.InvalidConfig, err, "malformed IPv4 pool %q", cidr)
	}
	ones, _ := ipNet.Mask.Size()
	return ones, nil
}

// replaceLastOctet returns the ".1"-of-subnet style address with its
// final octet replaced, preserving the subnet's network portion.
func replaceLastOctet(cidr, lastOctet string) (string, error) {
	ip, _, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", errs.Wrap(errs.InvalidConfig, err, "malformed IPv4 pool %q", cidr)
	}
	v4 := ip.To4()
	if v4 == nil {
		return "", errs.New(errs.InvalidConfig, "pool %q is not IPv4", cidr)
	}
	parts := strings.Split(v4.String(), ".")
	parts[3] = lastOctet
	return strings.Join(parts, "."), nil
}
