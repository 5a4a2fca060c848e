package ovsclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/ovn-org/libovsdb/client"
	"github.com/ovn-org/libovsdb/model"
	"github.com/ovn-org/libovsdb/ovsdb"
	"github.com/vishvananda/netlink"

	"ovn-docker-plugin/internal/errs"
	"ovn-docker-plugin/internal/retry"
)

// ConnectTimeout bounds OVSDB connection establishment.
const ConnectTimeout = 5 * time.Second

// Client wraps a libovsdb connection to the local Open_vSwitch database.
type Client struct {
	db  client.Client
	ctx context.Context
	log logr.Logger
}

// Connect dials the local OVSDB endpoint (e.g. "unix:/var/run/openvswitch/db.sock")
// and monitors the tables the daemon manipulates.
func Connect(ctx context.Context, endpoint string, log logr.Logger) (*Client, error) {
	dbModel, err := model.NewClientDBModel("Open_vSwitch", map[string]model.Model{
		"Bridge":       &Bridge{},
		"Port":         &Port{},
		"Interface":    &Interface{},
		"Mirror":       &Mirror{},
		"Open_vSwitch": &OpenvSwitch{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build OVS DB model: %w", err)
	}

	discard := logr.Discard()
	db, err := client.NewOVSDBClient(dbModel, client.WithEndpoint(endpoint), client.WithLogger(&discard))
	if err != nil {
		return nil, fmt.Errorf("failed to create OVS client: %w", err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := db.Connect(connectCtx); err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "failed to connect to OVS database at %s", endpoint)
	}
	if _, err := db.Monitor(ctx, db.NewMonitor(
		client.WithTable(&Bridge{}),
		client.WithTable(&Port{}),
		client.WithTable(&Interface{}),
		client.WithTable(&Mirror{}),
		client.WithTable(&OpenvSwitch{}),
	)); err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "failed to monitor OVS database")
	}

	return &Client{db: db, ctx: ctx, log: log}, nil
}

// Ping verifies the OVSDB connection is usable.
func (c *Client) Ping() error {
	err := retry.Do(func() error {
		var list []OpenvSwitch
		return c.db.List(c.ctx, &list)
	})
	if err != nil {
		return errs.Wrap(errs.Unavailable, err, "OVSDB unreachable")
	}
	return nil
}

func (c *Client) findBridge(name string) (*Bridge, bool, error) {
	var list []Bridge
	err := c.db.WhereCache(func(b *Bridge) bool { return b.Name == name }).List(c.ctx, &list)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list bridges: %w", err)
	}
	if len(list) == 0 {
		return nil, false, nil
	}
	return &list[0], true, nil
}

// EnsureBridge creates the named bridge with datapath_type=netdev and
// fail-mode=secure if it doesn't already exist. Idempotent. The bridge
// row is inserted into the root Open_vSwitch row's bridges set in the
// same transaction, otherwise ovsdb-server would garbage-collect it.
func (c *Client) EnsureBridge(name string) error {
	return retry.Do(func() error {
		if _, found, err := c.findBridge(name); err != nil {
			return err
		} else if found {
			return nil
		}

		var roots []OpenvSwitch
		if err := c.db.List(c.ctx, &roots); err != nil {
			return fmt.Errorf("failed to list Open_vSwitch table: %w", err)
		}
		if len(roots) == 0 {
			return errs.New(errs.Unavailable, "Open_vSwitch root row not found")
		}
		root := &roots[0]

		failMode := "secure"
		br := &Bridge{
			UUID:         "br_" + sanitizeUUID(name),
			Name:         name,
			DatapathType: "netdev",
			FailMode:     &failMode,
		}
		createOps, err := c.db.Create(br)
		if err != nil {
			return fmt.Errorf("failed to create bridge operation: %w", err)
		}
		mutateOps, err := c.db.Where(root).Mutate(root, model.Mutation{
			Field:   &root.Bridges,
			Mutator: ovsdb.MutateOperationInsert,
			Value:   []string{br.UUID},
		})
		if err != nil {
			return fmt.Errorf("failed to create root mutate operation: %w", err)
		}

		ops := append(createOps, mutateOps...)
		results, err := c.db.Transact(c.ctx, ops...)
		if err != nil {
			return fmt.Errorf("failed to create bridge %s: %w", name, err)
		}
		return firstError(results, "create bridge %s", name)
	})
}

// ListBridges returns every bridge name known to OVSDB.
func (c *Client) ListBridges() ([]string, error) {
	var list []Bridge
	if err := retry.Do(func() error { return c.db.List(c.ctx, &list) }); err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "failed to list bridges")
	}
	names := make([]string, 0, len(list))
	for _, b := range list {
		names = append(names, b.Name)
	}
	return names, nil
}

// PortOptions configures the OVSDB rows created by AddPort. The id
// fields map to external_ids columns; VLAN, when non-zero, becomes the
// Port's access tag.
type PortOptions struct {
	ContainerID string
	NetworkID   string
	TenantID    string
	IfaceID     string // external_ids:iface-id, binds to an OVN logical port
	VLAN        int
}

// AddPort creates the OVSDB Port+Interface rows for portName on bridge,
// attaching the interface of the same name.
func (c *Client) AddPort(bridge, portName string, opts PortOptions) error {
	return retry.Do(func() error {
		br, found, err := c.findBridge(bridge)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(errs.InvalidConfig, "bridge %s not found", bridge)
		}

		extIDs := map[string]string{}
		if opts.ContainerID != "" {
			extIDs["container_id"] = opts.ContainerID
		}
		if opts.NetworkID != "" {
			extIDs["network_id"] = opts.NetworkID
		}
		if opts.TenantID != "" {
			extIDs["tenant_id"] = opts.TenantID
		}
		if opts.IfaceID != "" {
			extIDs["iface-id"] = opts.IfaceID
		}

		ifaceUUID := "iface_" + sanitizeUUID(portName)
		portUUID := "port_" + sanitizeUUID(portName)

		iface := &Interface{UUID: ifaceUUID, Name: portName, ExternalIDs: extIDs}
		port := &Port{UUID: portUUID, Name: portName, Interfaces: []string{ifaceUUID}}
		if opts.VLAN != 0 {
			port.Tag = &opts.VLAN
		}

		ifaceOps, err := c.db.Create(iface)
		if err != nil {
			return fmt.Errorf("failed to create interface operation: %w", err)
		}
		portOps, err := c.db.Create(port)
		if err != nil {
			return fmt.Errorf("failed to create port operation: %w", err)
		}
		mutateOps, err := c.db.Where(br).Mutate(br, model.Mutation{
			Field:   &br.Ports,
			Mutator: ovsdb.MutateOperationInsert,
			Value:   []string{portUUID},
		})
		if err != nil {
			return fmt.Errorf("failed to create bridge mutate operation: %w", err)
		}

		all := append(ifaceOps, portOps...)
		all = append(all, mutateOps...)
		results, err := c.db.Transact(c.ctx, all...)
		if err != nil {
			return fmt.Errorf("failed to add port %s to bridge %s: %w", portName, bridge, err)
		}
		if err := firstError(results, "add port %s", portName); err != nil {
			return err
		}
		c.log.Info("added OVS port", "bridge", bridge, "port", portName, "iface-id", opts.IfaceID)
		return nil
	})
}

// DeletePort removes portName (and its Interface row) from bridge.
// Idempotent: a missing port is not an error.
func (c *Client) DeletePort(bridge, portName string) error {
	return retry.Do(func() error {
		var ports []Port
		if err := c.db.WhereCache(func(p *Port) bool { return p.Name == portName }).List(c.ctx, &ports); err != nil {
			return fmt.Errorf("failed to list ports: %w", err)
		}
		if len(ports) == 0 {
			return nil
		}
		port := &ports[0]

		if br, found, err := c.findBridge(bridge); err == nil && found {
			mutateOps, err := c.db.Where(br).Mutate(br, model.Mutation{
				Field:   &br.Ports,
				Mutator: ovsdb.MutateOperationDelete,
				Value:   []string{port.UUID},
			})
			if err == nil {
				if results, err := c.db.Transact(c.ctx, mutateOps...); err == nil {
					_ = firstError(results, "detach port %s", portName)
				}
			}
		}

		deleteOps, err := c.db.Where(port).Delete()
		if err != nil {
			return fmt.Errorf("failed to create delete operation for port %s: %w", portName, err)
		}
		results, err := c.db.Transact(c.ctx, deleteOps...)
		if err != nil {
			return fmt.Errorf("failed to delete port %s: %w", portName, err)
		}
		if err := firstError(results, "delete port %s", portName); err != nil {
			return err
		}

		var ifaces []Interface
		if err := c.db.WhereCache(func(i *Interface) bool { return i.Name == portName }).List(c.ctx, &ifaces); err == nil && len(ifaces) > 0 {
			ifaceOps, err := c.db.Where(&ifaces[0]).Delete()
			if err == nil {
				if results, err := c.db.Transact(c.ctx, ifaceOps...); err == nil {
					_ = firstError(results, "delete interface %s", portName)
				}
			}
		}

		c.log.Info("removed OVS port", "bridge", bridge, "port", portName)
		return nil
	})
}

// CreateMirror installs a traffic mirror on bridge copying srcPort's
// ingress and egress traffic to dstPort. Idempotent-by-name. The mirror
// row is inserted into the bridge's mirrors set in the same transaction
// so ovsdb-server retains it.
func (c *Client) CreateMirror(bridge, mirrorName, srcPort, dstPort string) error {
	return retry.Do(func() error {
		var mirrors []Mirror
		if err := c.db.WhereCache(func(m *Mirror) bool { return m.Name == mirrorName }).List(c.ctx, &mirrors); err != nil {
			return fmt.Errorf("failed to list mirrors: %w", err)
		}
		if len(mirrors) > 0 {
			return nil
		}

		br, found, err := c.findBridge(bridge)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(errs.InvalidConfig, "bridge %s not found", bridge)
		}

		var srcPorts, dstPorts []Port
		if err := c.db.WhereCache(func(p *Port) bool { return p.Name == srcPort }).List(c.ctx, &srcPorts); err != nil {
			return fmt.Errorf("failed to find mirror source port %s: %w", srcPort, err)
		}
		if err := c.db.WhereCache(func(p *Port) bool { return p.Name == dstPort }).List(c.ctx, &dstPorts); err != nil {
			return fmt.Errorf("failed to find mirror destination port %s: %w", dstPort, err)
		}
		if len(srcPorts) == 0 || len(dstPorts) == 0 {
			return errs.New(errs.InvalidConfig, "mirror source/destination port not found on bridge %s", bridge)
		}

		outputUUID := dstPorts[0].UUID
		mirror := &Mirror{
			UUID:          "mirror_" + sanitizeUUID(mirrorName),
			Name:          mirrorName,
			SelectSrcPort: []string{srcPorts[0].UUID},
			SelectDstPort: []string{srcPorts[0].UUID},
			OutputPort:    &outputUUID,
		}
		mirrorOps, err := c.db.Create(mirror)
		if err != nil {
			return fmt.Errorf("failed to create mirror operation: %w", err)
		}
		mutateOps, err := c.db.Where(br).Mutate(br, model.Mutation{
			Field:   &br.Mirrors,
			Mutator: ovsdb.MutateOperationInsert,
			Value:   []string{mirror.UUID},
		})
		if err != nil {
			return fmt.Errorf("failed to create bridge-mirrors mutate operation: %w", err)
		}

		ops := append(mirrorOps, mutateOps...)
		results, err := c.db.Transact(c.ctx, ops...)
		if err != nil {
			return fmt.Errorf("failed to create mirror %s: %w", mirrorName, err)
		}
		return firstError(results, "create mirror %s", mirrorName)
	})
}

// CreateVethPair creates a kernel veth pair with host/peer names and
// brings the host end up. A non-zero mtu is applied to both ends.
func (c *Client) CreateVethPair(host, peer string, mtu int) error {
	if _, err := netlink.LinkByName(host); err == nil {
		return errs.New(errs.AlreadyExists, "veth %s already exists", host)
	}

	attrs := netlink.LinkAttrs{Name: host}
	if mtu > 0 {
		attrs.MTU = mtu
	}
	veth := &netlink.Veth{
		LinkAttrs: attrs,
		PeerName:  peer,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return errs.Wrap(errs.Unavailable, err, "failed to create veth pair %s/%s", host, peer)
	}

	if mtu > 0 {
		if peerLink, err := netlink.LinkByName(peer); err == nil {
			if err := netlink.LinkSetMTU(peerLink, mtu); err != nil {
				c.log.Error(err, "failed to set peer veth MTU", "peer", peer, "mtu", mtu)
			}
		}
	}

	hostLink, err := netlink.LinkByName(host)
	if err != nil {
		return errs.Wrap(errs.Unavailable, err, "failed to find host veth %s after creation", host)
	}
	if err := netlink.LinkSetUp(hostLink); err != nil {
		netlink.LinkDel(hostLink)
		return errs.Wrap(errs.Unavailable, err, "failed to bring up host veth %s", host)
	}

	c.log.Info("created veth pair", "host", host, "peer", peer)
	return nil
}

// DeleteVethPair removes the host end of a veth pair (deleting one end
// deletes both). Idempotent: a missing link is not an error.
func (c *Client) DeleteVethPair(host, _ string) error {
	link, err := netlink.LinkByName(host)
	if err != nil {
		// Link not found, or any other lookup failure: nothing left to
		// tear down from this side.
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return errs.Wrap(errs.Unavailable, err, "failed to delete veth %s", host)
	}
	c.log.Info("deleted veth pair", "host", host)
	return nil
}

// VethMAC reads the kernel-assigned MAC address of a host-side veth
// interface, so the OVN logical port can be bound to the real MAC rather
// than any caller-supplied hint.
func (c *Client) VethMAC(host string) (string, error) {
	link, err := netlink.LinkByName(host)
	if err != nil {
		return "", errs.Wrap(errs.Unavailable, err, "failed to find veth %s", host)
	}
	return link.Attrs().HardwareAddr.String(), nil
}

func firstError(results []ovsdb.OperationResult, format string, args ...any) error {
	for _, r := range results {
		if r.Error != "" {
			return errs.New(errs.Internal, "%s: %s", fmt.Sprintf(format, args...), r.Error)
		}
	}
	return nil
}

func sanitizeUUID(name string) string {
	return strings.NewReplacer("-", "_", ".", "_", ":", "_").Replace(name) + "_" + uuid.NewString()[:8]
}
