package driver

import (
	"fmt"
	"strconv"

	"ovn-docker-plugin/internal/errs"
)

// Recognized option keys. Each gets explicit parsing below; anything
// else is preserved verbatim in the network's option map.
const (
	optBridge               = "bridge"
	optTenantID             = "tenant_id"
	optVLAN                 = "vlan"
	optMTU                  = "mtu"
	optOVNSwitch            = "ovn.switch"
	optOVNRouter            = "ovn.router"
	optOVNRole              = "ovn.role"
	optOVNExternalGateway   = "ovn.external_gateway"
	optOVNTransitNetwork    = "ovn.transit_network"
	optOVNNBConnection      = "ovn.nb_connection"
	optOVNSBConnection      = "ovn.sb_connection"
	optOVNAutoCreate        = "ovn.auto_create"
	optOVNTransitOverlayNet = "ovn.transit_overlay_network"
	optMirrorPorts          = "mirror.ports"
	optMirrorDest           = "mirror.dest"
	optDHCP                 = "dhcp"
	optDNSServer            = "dns_server"

	roleTransit = "transit"

	// genericOptionKey is where docker nests the user's -o key/value
	// pairs inside the CreateNetwork options map.
	genericOptionKey = "com.docker.network.generic"
)

// networkOptions is the parsed form of a CreateNetwork options map.
// Recognized keys move into typed fields; everything else is kept in
// Extra, which round-trips into the store's free-form option map.
type networkOptions struct {
	Bridge               string
	TenantID             string
	VLAN                 int
	MTU                  int
	OVNSwitch            string
	OVNRouter            string
	Role                 string
	OVNExternalGateway   string
	OVNTransitNetwork    string
	OVNNBConnection      string
	OVNSBConnection      string
	OVNAutoCreate        bool
	OVNTransitOverlayNet string
	MirrorPorts          string
	MirrorDest           string
	// DHCP holds the raw "dhcp" option value; "ovn" enables OVN-native
	// DHCP options on the endpoint's logical port.
	DHCP      string
	DNSServer string
	Extra     map[string]string
}

// parseNetworkOptions converts the heterogeneous options map docker's
// network-driver RPC delivers (map[string]interface{}) into a
// networkOptions value. defaultBridge is used when "bridge" is absent.
func parseNetworkOptions(raw map[string]interface{}, defaultBridge string) (networkOptions, error) {
	opts := networkOptions{Bridge: defaultBridge, Extra: map[string]string{}}

	// Docker nests -o options one level down; unwrap before parsing.
	if generic, ok := raw[genericOptionKey].(map[string]interface{}); ok {
		raw = generic
	}

	for key, rawValue := range raw {
		value := fmt.Sprintf("%v", rawValue)
		switch key {
		case optBridge:
			opts.Bridge = value
		case optTenantID:
			opts.TenantID = value
		case optVLAN:
			n, err := strconv.Atoi(value)
			if err != nil {
				return opts, errs.Wrap(errs.InvalidConfig, err, "invalid %s value %q", optVLAN, value)
			}
			opts.VLAN = n
		case optMTU:
			n, err := strconv.Atoi(value)
			if err != nil {
				return opts, errs.Wrap(errs.InvalidConfig, err, "invalid %s value %q", optMTU, value)
			}
			opts.MTU = n
		case optOVNSwitch:
			opts.OVNSwitch = value
		case optOVNRouter:
			opts.OVNRouter = value
		case optOVNRole:
			opts.Role = value
		case optOVNExternalGateway:
			opts.OVNExternalGateway = value
		case optOVNTransitNetwork:
			opts.OVNTransitNetwork = value
		case optOVNNBConnection:
			opts.OVNNBConnection = value
		case optOVNSBConnection:
			opts.OVNSBConnection = value
		case optOVNAutoCreate:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return opts, errs.Wrap(errs.InvalidConfig, err, "invalid %s value %q", optOVNAutoCreate, value)
			}
			opts.OVNAutoCreate = b
		case optOVNTransitOverlayNet:
			opts.OVNTransitOverlayNet = value
		case optMirrorPorts:
			opts.MirrorPorts = value
		case optMirrorDest:
			opts.MirrorDest = value
		case optDHCP:
			opts.DHCP = value
		case optDNSServer:
			opts.DNSServer = value
		default:
			opts.Extra[key] = value
		}
	}

	if opts.Role != "" && opts.Role != roleTransit {
		return opts, errs.New(errs.InvalidConfig, "unrecognized %s value %q", optOVNRole, opts.Role)
	}
	// An OVN-backed network must say where its control plane lives,
	// transit networks included.
	if opts.OVNSwitch != "" && (opts.OVNNBConnection == "" || opts.OVNSBConnection == "") {
		return opts, errs.New(errs.InvalidConfig, "%s requires both %s and %s", optOVNSwitch, optOVNNBConnection, optOVNSBConnection)
	}

	return opts, nil
}

// isOVNBacked reports whether a network is configured to use the OVN
// control plane at all.
func (o networkOptions) isOVNBacked() bool {
	return o.OVNSwitch != ""
}

// isTransit reports whether this network is the shared transit switch.
func (o networkOptions) isTransit() bool {
	return o.Role == roleTransit
}

// wantsDHCP reports whether OVN-native DHCP options should be attached
// to endpoints on this network.
func (o networkOptions) wantsDHCP() bool {
	return o.DHCP == "ovn"
}
