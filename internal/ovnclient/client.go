package ovnclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/ovn-org/libovsdb/client"
	"github.com/ovn-org/libovsdb/model"
	"github.com/ovn-org/libovsdb/ovsdb"

	"ovn-docker-plugin/internal/errs"
	"ovn-docker-plugin/internal/retry"
)

// ConnectTimeout bounds NB connection establishment.
const ConnectTimeout = 8 * time.Second

// Client wraps a libovsdb connection to one OVN Northbound database.
// Its methods are safe for concurrent callers: libovsdb's client.Client
// serializes RPCs internally over a single connection.
type Client struct {
	db  client.Client
	ctx context.Context
	log logr.Logger
}

// Connect dials nbEndpoint (e.g. "tcp:127.0.0.1:6641") and monitors the
// Northbound tables the daemon manipulates.
func Connect(ctx context.Context, nbEndpoint string, log logr.Logger) (*Client, error) {
	dbModel, err := model.NewClientDBModel("OVN_Northbound", map[string]model.Model{
		"Logical_Switch":              &LogicalSwitch{},
		"Logical_Switch_Port":         &LogicalSwitchPort{},
		"Logical_Router":              &LogicalRouter{},
		"Logical_Router_Port":         &LogicalRouterPort{},
		"Logical_Router_Static_Route": &LogicalRouterStaticRoute{},
		"NAT":                         &NAT{},
		"DHCP_Options":                &DHCPOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build OVN NB DB model: %w", err)
	}

	discard := logr.Discard()
	db, err := client.NewOVSDBClient(dbModel, client.WithEndpoint(nbEndpoint), client.WithLogger(&discard))
	if err != nil {
		return nil, fmt.Errorf("failed to create OVN NB client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := db.Connect(connectCtx); err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "failed to connect to OVN NB at %s", nbEndpoint)
	}

	if _, err := db.Monitor(ctx, db.NewMonitor(
		client.WithTable(&LogicalSwitch{}),
		client.WithTable(&LogicalSwitchPort{}),
		client.WithTable(&LogicalRouter{}),
		client.WithTable(&LogicalRouterPort{}),
		client.WithTable(&LogicalRouterStaticRoute{}),
		client.WithTable(&NAT{}),
		client.WithTable(&DHCPOptions{}),
	)); err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "failed to monitor OVN NB database")
	}

	return &Client{db: db, ctx: ctx, log: log}, nil
}

func namedUUID(prefix string) string {
	return prefix + "_" + uuid.NewString()[:8]
}

func firstError(results []ovsdb.OperationResult, format string, args ...any) error {
	for _, r := range results {
		if r.Error != "" {
			return errs.New(errs.Internal, "%s: %s", fmt.Sprintf(format, args...), r.Error)
		}
	}
	return nil
}

// transact runs ops as a single OVN NB transaction and surfaces the first
// per-operation error, if any.
func (c *Client) transact(ops []ovsdb.Operation, format string, args ...any) error {
	results, err := c.db.Transact(c.ctx, ops...)
	if err != nil {
		return errs.Wrap(errs.Unavailable, err, format, args...)
	}
	return firstError(results, format, args...)
}

// --- Logical_Switch -------------------------------------------------------

func (c *Client) findLogicalSwitch(name string) (*LogicalSwitch, bool, error) {
	var list []LogicalSwitch
	if err := c.db.WhereCache(func(ls *LogicalSwitch) bool { return ls.Name == name }).List(c.ctx, &list); err != nil {
		return nil, false, fmt.Errorf("failed to list logical switches: %w", err)
	}
	if len(list) == 0 {
		return nil, false, nil
	}
	return &list[0], true, nil
}

// CreateLogicalSwitch creates name if it doesn't already exist.
// Idempotent-by-name.
func (c *Client) CreateLogicalSwitch(name string, extIDs map[string]string) error {
	return retry.Do(func() error {
		if _, found, err := c.findLogicalSwitch(name); err != nil {
			return err
		} else if found {
			return nil
		}
		ls := &LogicalSwitch{Name: name, ExternalIDs: extIDs}
		ops, err := c.db.Create(ls)
		if err != nil {
			return fmt.Errorf("failed to create logical switch operation: %w", err)
		}
		return c.transact(ops, "create logical switch %s", name)
	})
}

// DeleteLogicalSwitch deletes name if present. The driver never calls
// this from DeleteNetwork, since a logical switch is a shared resource
// once created; the verb is kept for other callers of the client.
func (c *Client) DeleteLogicalSwitch(name string) error {
	return retry.Do(func() error {
		ls, found, err := c.findLogicalSwitch(name)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		ops, err := c.db.Where(ls).Delete()
		if err != nil {
			return fmt.Errorf("failed to create delete operation for switch %s: %w", name, err)
		}
		return c.transact(ops, "delete logical switch %s", name)
	})
}

// --- Logical_Switch_Port ---------------------------------------------------

func (c *Client) findLogicalSwitchPort(name string) (*LogicalSwitchPort, bool, error) {
	var list []LogicalSwitchPort
	if err := c.db.WhereCache(func(p *LogicalSwitchPort) bool { return p.Name == name }).List(c.ctx, &list); err != nil {
		return nil, false, fmt.Errorf("failed to list logical switch ports: %w", err)
	}
	if len(list) == 0 {
		return nil, false, nil
	}
	return &list[0], true, nil
}

// LogicalPortOptions configures CreateLogicalPort.
type LogicalPortOptions struct {
	// Type is "" for a normal container port or "router" for a port
	// linking back to a Logical_Router_Port.
	Type string
	// RouterPort names the Logical_Router_Port this port binds to, when
	// Type == "router".
	RouterPort string
	ExternalIDs map[string]string
}

// CreateLogicalPort creates a logical switch port named name on switchName,
// with the given MAC/IP (either may be empty for a router-type port), and
// attaches it to the switch's Ports list in the same transaction.
// Idempotent-by-name.
func (c *Client) CreateLogicalPort(switchName, name, mac, ip string, opts LogicalPortOptions) error {
	return retry.Do(func() error {
		if _, found, err := c.findLogicalSwitchPort(name); err != nil {
			return err
		} else if found {
			return nil
		}

		ls, found, err := c.findLogicalSwitch(switchName)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(errs.InvalidConfig, "logical switch %s not found", switchName)
		}

		enabled := true
		lsp := &LogicalSwitchPort{
			UUID:        namedUUID("lsp"),
			Name:        name,
			Type:        opts.Type,
			Enabled:     &enabled,
			ExternalIDs: opts.ExternalIDs,
		}
		if mac != "" {
			addr := mac
			if ip != "" {
				addr = mac + " " + ip
			}
			lsp.Addresses = []string{addr}
			lsp.PortSecurity = []string{addr}
		}
		if opts.Type == "router" {
			if lsp.Options == nil {
				lsp.Options = map[string]string{}
			}
			lsp.Options["router-port"] = opts.RouterPort
		}

		createOps, err := c.db.Create(lsp)
		if err != nil {
			return fmt.Errorf("failed to create logical switch port operation: %w", err)
		}
		mutateOps, err := c.db.Where(ls).Mutate(ls, model.Mutation{
			Field:   &ls.Ports,
			Mutator: ovsdb.MutateOperationInsert,
			Value:   []string{lsp.UUID},
		})
		if err != nil {
			return fmt.Errorf("failed to create switch-ports mutate operation: %w", err)
		}

		ops := append(createOps, mutateOps...)
		if err := c.transact(ops, "create logical port %s on switch %s", name, switchName); err != nil {
			return err
		}
		c.log.Info("created logical switch port", "switch", switchName, "port", name)
		return nil
	})
}

// DeleteLogicalPort deletes a logical switch port by name, detaching it
// from whatever switch references it. Idempotent.
func (c *Client) DeleteLogicalPort(name string) error {
	return retry.Do(func() error {
		lsp, found, err := c.findLogicalSwitchPort(name)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}

		var ops []ovsdb.Operation
		var switches []LogicalSwitch
		if err := c.db.WhereCache(func(ls *LogicalSwitch) bool {
			for _, p := range ls.Ports {
				if p == lsp.UUID {
					return true
				}
			}
			return false
		}).List(c.ctx, &switches); err == nil {
			for i := range switches {
				ls := &switches[i]
				mutateOps, err := c.db.Where(ls).Mutate(ls, model.Mutation{
					Field:   &ls.Ports,
					Mutator: ovsdb.MutateOperationDelete,
					Value:   []string{lsp.UUID},
				})
				if err == nil {
					ops = append(ops, mutateOps...)
				}
			}
		}

		deleteOps, err := c.db.Where(lsp).Delete()
		if err != nil {
			return fmt.Errorf("failed to create delete operation for port %s: %w", name, err)
		}
		ops = append(ops, deleteOps...)

		if err := c.transact(ops, "delete logical port %s", name); err != nil {
			return err
		}
		c.log.Info("deleted logical switch port", "port", name)
		return nil
	})
}

// DisablePortSecurity clears a logical switch port's addresses and
// port_security fields so it may source-NAT arbitrary subnets. Used for
// NAT-gateway endpoints.
func (c *Client) DisablePortSecurity(name string) error {
	return retry.Do(func() error {
		lsp, found, err := c.findLogicalSwitchPort(name)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(errs.NotFound, "logical switch port %s not found", name)
		}

		lsp.Addresses = nil
		lsp.PortSecurity = nil
		ops, err := c.db.Where(lsp).Update(lsp, &lsp.Addresses, &lsp.PortSecurity)
		if err != nil {
			return fmt.Errorf("failed to create port-security update operation: %w", err)
		}
		return c.transact(ops, "disable port security on %s", name)
	})
}

// SetPortDHCP attaches a DHCP_Options row (by UUID) to a logical switch
// port's dhcpv4_options field.
func (c *Client) SetPortDHCP(portName, dhcpUUID string) error {
	return retry.Do(func() error {
		lsp, found, err := c.findLogicalSwitchPort(portName)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(errs.NotFound, "logical switch port %s not found", portName)
		}
		lsp.Dhcpv4Options = &dhcpUUID
		ops, err := c.db.Where(lsp).Update(lsp, &lsp.Dhcpv4Options)
		if err != nil {
			return fmt.Errorf("failed to create DHCP update operation: %w", err)
		}
		return c.transact(ops, "set DHCP options on port %s", portName)
	})
}

// --- Logical_Router ---------------------------------------------------------

func (c *Client) findLogicalRouter(name string) (*LogicalRouter, bool, error) {
	var list []LogicalRouter
	if err := c.db.WhereCache(func(lr *LogicalRouter) bool { return lr.Name == name }).List(c.ctx, &list); err != nil {
		return nil, false, fmt.Errorf("failed to list logical routers: %w", err)
	}
	if len(list) == 0 {
		return nil, false, nil
	}
	return &list[0], true, nil
}

// CreateLogicalRouter creates name if it doesn't already exist.
// Idempotent-by-name.
func (c *Client) CreateLogicalRouter(name string, extIDs map[string]string) error {
	return retry.Do(func() error {
		if _, found, err := c.findLogicalRouter(name); err != nil {
			return err
		} else if found {
			return nil
		}
		enabled := true
		lr := &LogicalRouter{Name: name, ExternalIDs: extIDs, Enabled: &enabled}
		ops, err := c.db.Create(lr)
		if err != nil {
			return fmt.Errorf("failed to create logical router operation: %w", err)
		}
		return c.transact(ops, "create logical router %s", name)
	})
}

func (c *Client) findLogicalRouterPort(name string) (*LogicalRouterPort, bool, error) {
	var list []LogicalRouterPort
	if err := c.db.WhereCache(func(p *LogicalRouterPort) bool { return p.Name == name }).List(c.ctx, &list); err != nil {
		return nil, false, fmt.Errorf("failed to list logical router ports: %w", err)
	}
	if len(list) == 0 {
		return nil, false, nil
	}
	return &list[0], true, nil
}

// CreateLogicalRouterPort creates a router port named name on router,
// with networks as CIDR strings (the port's subnet is the first one),
// attaching it to the router's Ports list. Idempotent-by-name.
func (c *Client) CreateLogicalRouterPort(router, name, mac string, networks []string) error {
	return retry.Do(func() error {
		if _, found, err := c.findLogicalRouterPort(name); err != nil {
			return err
		} else if found {
			return nil
		}

		lr, found, err := c.findLogicalRouter(router)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(errs.InvalidConfig, "logical router %s not found", router)
		}

		enabled := true
		lrp := &LogicalRouterPort{
			UUID:     namedUUID("lrp"),
			Name:     name,
			MAC:      mac,
			Networks: networks,
			Enabled:  &enabled,
		}
		createOps, err := c.db.Create(lrp)
		if err != nil {
			return fmt.Errorf("failed to create logical router port operation: %w", err)
		}
		mutateOps, err := c.db.Where(lr).Mutate(lr, model.Mutation{
			Field:   &lr.Ports,
			Mutator: ovsdb.MutateOperationInsert,
			Value:   []string{lrp.UUID},
		})
		if err != nil {
			return fmt.Errorf("failed to create router-ports mutate operation: %w", err)
		}

		ops := append(createOps, mutateOps...)
		if err := c.transact(ops, "create logical router port %s on %s", name, router); err != nil {
			return err
		}
		c.log.Info("created logical router port", "router", router, "port", name)
		return nil
	})
}

// AddStaticRoute installs a static route on router. A prefix already
// present on the router is treated as success; callers installing
// default and return routes rely on that.
func (c *Client) AddStaticRoute(router, prefix, nextHop string) error {
	return retry.Do(func() error {
		lr, found, err := c.findLogicalRouter(router)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(errs.InvalidConfig, "logical router %s not found", router)
		}

		var existing []LogicalRouterStaticRoute
		routeUUIDs := map[string]struct{}{}
		for _, u := range lr.StaticRoutes {
			routeUUIDs[u] = struct{}{}
		}
		if err := c.db.WhereCache(func(r *LogicalRouterStaticRoute) bool {
			_, onRouter := routeUUIDs[r.UUID]
			return onRouter && r.IPPrefix == prefix
		}).List(c.ctx, &existing); err != nil {
			return fmt.Errorf("failed to list static routes: %w", err)
		}
		if len(existing) > 0 {
			return nil
		}

		route := &LogicalRouterStaticRoute{
			UUID:     namedUUID("route"),
			IPPrefix: prefix,
			Nexthop:  nextHop,
		}
		createOps, err := c.db.Create(route)
		if err != nil {
			return fmt.Errorf("failed to create static route operation: %w", err)
		}
		mutateOps, err := c.db.Where(lr).Mutate(lr, model.Mutation{
			Field:   &lr.StaticRoutes,
			Mutator: ovsdb.MutateOperationInsert,
			Value:   []string{route.UUID},
		})
		if err != nil {
			return fmt.Errorf("failed to create static-routes mutate operation: %w", err)
		}

		ops := append(createOps, mutateOps...)
		return c.transact(ops, "add static route %s -> %s on %s", prefix, nextHop, router)
	})
}

// AddNAT installs a NAT rule of the given kind on router.
func (c *Client) AddNAT(router, kind, externalIP, logicalIP string) error {
	return retry.Do(func() error {
		lr, found, err := c.findLogicalRouter(router)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(errs.InvalidConfig, "logical router %s not found", router)
		}

		var existing []NAT
		natUUIDs := map[string]struct{}{}
		for _, u := range lr.Nat {
			natUUIDs[u] = struct{}{}
		}
		if err := c.db.WhereCache(func(n *NAT) bool {
			_, onRouter := natUUIDs[n.UUID]
			return onRouter && n.Type == kind && n.ExternalIP == externalIP && n.LogicalIP == logicalIP
		}).List(c.ctx, &existing); err != nil {
			return fmt.Errorf("failed to list NAT rules: %w", err)
		}
		if len(existing) > 0 {
			return nil
		}

		nat := &NAT{
			UUID:       namedUUID("nat"),
			Type:       kind,
			ExternalIP: externalIP,
			LogicalIP:  logicalIP,
		}
		createOps, err := c.db.Create(nat)
		if err != nil {
			return fmt.Errorf("failed to create NAT operation: %w", err)
		}
		mutateOps, err := c.db.Where(lr).Mutate(lr, model.Mutation{
			Field:   &lr.Nat,
			Mutator: ovsdb.MutateOperationInsert,
			Value:   []string{nat.UUID},
		})
		if err != nil {
			return fmt.Errorf("failed to create NAT mutate operation: %w", err)
		}

		ops := append(createOps, mutateOps...)
		return c.transact(ops, "add %s NAT %s -> %s on %s", kind, externalIP, logicalIP, router)
	})
}

// CreateDHCPOptions creates a DHCP_Options row for cidr and returns its
// UUID for use with SetPortDHCP. Idempotent on (cidr, serverMAC): when a
// row with that cidr and server_mac already exists, its UUID is returned
// and no new row is created.
func (c *Client) CreateDHCPOptions(cidr, serverMAC, serverIP string, extra map[string]string) (string, error) {
	var created string
	err := retry.Do(func() error {
		var existing []DHCPOptions
		if err := c.db.WhereCache(func(d *DHCPOptions) bool {
			return d.Cidr == cidr && d.Options["server_mac"] == serverMAC
		}).List(c.ctx, &existing); err != nil {
			return fmt.Errorf("failed to list DHCP options: %w", err)
		}
		if len(existing) > 0 {
			created = existing[0].UUID
			return nil
		}

		opts := map[string]string{
			"server_id":  serverIP,
			"server_mac": serverMAC,
			"lease_time": "3600",
		}
		for k, v := range extra {
			opts[k] = v
		}

		dhcp := &DHCPOptions{UUID: namedUUID("dhcp"), Cidr: cidr, Options: opts}
		ops, err := c.db.Create(dhcp)
		if err != nil {
			return fmt.Errorf("failed to create DHCP options operation: %w", err)
		}
		results, err := c.db.Transact(c.ctx, ops...)
		if err != nil {
			return errs.Wrap(errs.Unavailable, err, "failed to create DHCP options for %s", cidr)
		}
		if err := firstError(results, "create DHCP options for %s", cidr); err != nil {
			return err
		}
		if len(results) > 0 && results[0].UUID.GoUUID != "" {
			created = results[0].UUID.GoUUID
		} else {
			created = dhcp.UUID
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return created, nil
}
