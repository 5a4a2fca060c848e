// Package bootstrap detects and, when enabled, launches the OVN central
// container (northbound/southbound databases) on a management bridge
// network, using the Docker Engine API as the local container-engine.
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/go-logr/logr"

	"ovn-docker-plugin/internal/errs"
)

const (
	// ProbeTimeout bounds the initial TCP reachability check.
	ProbeTimeout = 2 * time.Second
	// PollInterval and PollDeadline bound the post-launch readiness wait.
	PollInterval = time.Second
	PollDeadline = 30 * time.Second

	managementBridgeName = "ovn-mgmt"
	centralContainerName = "ovn-central"
	centralImage         = "ovn-central:latest"
)

// candidateSubnets are tried in order when creating the management
// bridge network; the first that doesn't collide with an existing
// Docker network wins.
var candidateSubnets = []string{
	"172.28.0.0/24",
	"172.29.0.0/24",
	"172.30.0.0/24",
}

// Options configures EnsureCentral.
type Options struct {
	// NBConnection is the "tcp:H:P" string the network declared.
	NBConnection string
	SBConnection string
	AutoCreate   bool
}

// Bootstrapper ensures an OVN central database pair is reachable,
// launching it via the Docker Engine API when permitted.
type Bootstrapper struct {
	docker *dockerclient.Client
	log    logr.Logger
}

// New wraps a Docker Engine API client obtained from the environment
// (DOCKER_HOST, TLS vars, etc.).
func New(log logr.Logger) (*Bootstrapper, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker Engine API client: %w", err)
	}
	return &Bootstrapper{docker: cli, log: log}, nil
}

// hostPort parses a "tcp:H:P" NB/SB connection string. Only the tcp
// scheme is accepted for the central database.
func hostPort(conn string) (string, string, error) {
	const prefix = "tcp:"
	if !strings.HasPrefix(conn, prefix) {
		return "", "", errs.New(errs.InvalidConfig, "central connection %q must use the tcp: scheme", conn)
	}
	rest := strings.TrimPrefix(conn, prefix)
	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		return "", "", errs.Wrap(errs.InvalidConfig, err, "malformed central connection %q", conn)
	}
	return host, port, nil
}

func probe(ctx context.Context, host, port string) bool {
	dialCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	d := net.Dialer{}
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// EnsureCentral ensures the OVN central database pair is reachable at
// the declared NB connection, launching the ovn-central container when
// auto-create is permitted. It is a no-op if the NB endpoint is already
// reachable. Callers must hold the driver's creation lock; only one
// bootstrap attempt is ever in flight.
func (b *Bootstrapper) EnsureCentral(ctx context.Context, opts Options) error {
	host, port, err := hostPort(opts.NBConnection)
	if err != nil {
		return err
	}

	if probe(ctx, host, port) {
		return nil
	}

	if !opts.AutoCreate {
		return errs.New(errs.Unavailable, "OVN central at %s is unreachable and ovn.auto_create is false", opts.NBConnection)
	}

	subnet, err := b.ensureManagementNetwork(ctx)
	if err != nil {
		return errs.Wrap(errs.Unavailable, err, "failed to prepare OVN central management network")
	}

	sbPort := "6642"
	if _, p, err := hostPort(opts.SBConnection); err == nil {
		sbPort = p
	}

	if err := b.ensureCentralContainer(ctx, subnet, port, sbPort); err != nil {
		return errs.Wrap(errs.Unavailable, err, "failed to launch OVN central container")
	}

	b.log.Info("waiting for OVN central to become reachable", "connection", opts.NBConnection)
	deadline := time.Now().Add(PollDeadline)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		if probe(ctx, host, port) {
			b.log.Info("OVN central is reachable", "connection", opts.NBConnection)
			return nil
		}
		if time.Now().After(deadline) {
			return errs.New(errs.Timeout, "OVN central at %s did not become reachable within %s", opts.NBConnection, PollDeadline)
		}
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.Timeout, ctx.Err(), "bootstrap canceled waiting for OVN central")
		case <-ticker.C:
		}
	}
}

// ensureManagementNetwork creates the bridge network OVN central runs
// on if it doesn't already exist, trying candidateSubnets in order and
// retaining a pre-existing network if one is already present. Returns
// the subnet in use.
func (b *Bootstrapper) ensureManagementNetwork(ctx context.Context) (string, error) {
	existing, err := b.docker.NetworkList(ctx, types.NetworkListOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to list docker networks: %w", err)
	}
	for _, n := range existing {
		if n.Name != managementBridgeName {
			continue
		}
		if len(n.IPAM.Config) > 0 {
			return n.IPAM.Config[0].Subnet, nil
		}
		return candidateSubnets[0], nil
	}

	var lastErr error
	for _, subnet := range candidateSubnets {
		_, err := b.docker.NetworkCreate(ctx, managementBridgeName, types.NetworkCreate{
			Driver: "bridge",
			IPAM: &network.IPAM{
				Config: []network.IPAMConfig{{Subnet: subnet, Gateway: gatewayIP(subnet)}},
			},
		})
		if err == nil {
			return subnet, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("failed to create management network with any candidate subnet: %w", lastErr)
}

func hostAddress(subnet string, lastOctet byte) string {
	ip, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return ""
	}
	addr := ip.Mask(ipNet.Mask).To4()
	if addr == nil {
		return ""
	}
	addr[3] = lastOctet
	return addr.String()
}

// gatewayIP returns the ".1" address of subnet, the management bridge's
// own address.
func gatewayIP(subnet string) string { return hostAddress(subnet, 1) }

// centralIP returns the ".5" address of subnet, the fixed address OVN
// central is expected to answer on.
func centralIP(subnet string) string { return hostAddress(subnet, 5) }

func (b *Bootstrapper) ensureCentralContainer(ctx context.Context, subnet, nbPort, sbPort string) error {
	containers, err := b.docker.ContainerList(ctx, types.ContainerListOptions{All: true})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		for _, name := range c.Names {
			if strings.TrimPrefix(name, "/") != centralContainerName {
				continue
			}
			if c.State != "running" {
				return b.docker.ContainerStart(ctx, c.ID, types.ContainerStartOptions{})
			}
			return nil
		}
	}

	created, err := b.docker.ContainerCreate(ctx,
		&container.Config{
			Image: centralImage,
			ExposedPorts: nat.PortSet{
				nat.Port(nbPort + "/tcp"): struct{}{},
				nat.Port(sbPort + "/tcp"): struct{}{},
			},
		},
		&container.HostConfig{
			Privileged:    true,
			RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
			Binds: []string{
				"ovn-central-db:/etc/ovn",
				"ovn-central-logs:/var/log/ovn",
			},
			PortBindings: nat.PortMap{
				nat.Port(nbPort + "/tcp"): []nat.PortBinding{{HostPort: nbPort}},
				nat.Port(sbPort + "/tcp"): []nat.PortBinding{{HostPort: sbPort}},
			},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				managementBridgeName: {
					IPAMConfig: &network.EndpointIPAMConfig{IPv4Address: centralIP(subnet)},
				},
			},
		},
		nil, centralContainerName)
	if err != nil {
		return fmt.Errorf("failed to create %s container: %w", centralContainerName, err)
	}

	return b.docker.ContainerStart(ctx, created.ID, types.ContainerStartOptions{})
}
