// Package store persists the daemon's networks and endpoints so that a
// restart can rehydrate driver state. Writes are atomic (temp file plus
// rename); the store does not enforce referential integrity between
// networks and endpoints, that is the driver's job.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-logr/logr"
)

// NetworkRecord is the on-disk mirror of a Network, excluding runtime
// handles such as sockets or netlink links. Readers tolerate unknown
// fields for forward compatibility.
type NetworkRecord struct {
	ID              string            `json:"id"`
	Bridge          string            `json:"bridge"`
	VLAN            int               `json:"vlan,omitempty"`
	MTU             int               `json:"mtu,omitempty"`
	TenantID        string            `json:"tenant_id,omitempty"`
	OVNSwitch       string            `json:"ovn_switch,omitempty"`
	OVNRouter       string            `json:"ovn_router,omitempty"`
	Role            string            `json:"role,omitempty"`
	ExternalGateway string            `json:"external_gateway,omitempty"`
	IPv4Pool        string            `json:"ipv4_pool,omitempty"`
	IPv4GW          string            `json:"ipv4_gateway,omitempty"`
	IPv6Pool        string            `json:"ipv6_pool,omitempty"`
	IPv6GW          string            `json:"ipv6_gateway,omitempty"`
	NBConn          string            `json:"nb_connection,omitempty"`
	SBConn          string            `json:"sb_connection,omitempty"`
	AutoCreate      bool              `json:"auto_create,omitempty"`
	MirrorPorts     string            `json:"mirror_ports,omitempty"`
	MirrorDest      string            `json:"mirror_dest,omitempty"`
	DHCP            string            `json:"dhcp,omitempty"`
	DNSServer       string            `json:"dns_server,omitempty"`
	DHCPOptionsUUID string            `json:"dhcp_options_uuid,omitempty"`
	Options         map[string]string `json:"options,omitempty"`
}

// EndpointRecord is the on-disk mirror of an Endpoint.
type EndpointRecord struct {
	ID        string            `json:"id"`
	NetworkID string            `json:"network_id"`
	IPv4      string            `json:"ipv4,omitempty"`
	IPv6      string            `json:"ipv6,omitempty"`
	MAC       string            `json:"mac,omitempty"`
	VethHost  string            `json:"veth_host,omitempty"`
	VethPeer  string            `json:"veth_peer,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
}

// Store is a directory-backed, file-per-object persistence layer.
type Store struct {
	dir string
	log logr.Logger
}

// New returns a Store rooted at dir, creating the networks/ and
// endpoints/ subtrees if absent.
func New(dir string, log logr.Logger) (*Store, error) {
	s := &Store{dir: dir, log: log}
	for _, sub := range []string{"networks", "endpoints"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", sub, err)
		}
	}
	return s, nil
}

func (s *Store) networkPath(id string) string {
	return filepath.Join(s.dir, "networks", id+".json")
}

func (s *Store) endpointDir(networkID string) string {
	return filepath.Join(s.dir, "endpoints", networkID)
}

func (s *Store) endpointPath(networkID, endpointID string) string {
	return filepath.Join(s.endpointDir(networkID), endpointID+".json")
}

// writeAtomic marshals v to JSON and replaces path with the result,
// writing to a sibling temp file first so a crash mid-write never leaves
// a truncated file visible under path.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file into place at %s: %w", path, err)
	}
	return nil
}

// SaveNetwork durably persists rec. A failure is returned to the caller,
// who logs it and continues; in-memory state remains authoritative for
// the lifetime of the process.
func (s *Store) SaveNetwork(rec NetworkRecord) error {
	if err := writeAtomic(s.networkPath(rec.ID), rec); err != nil {
		return fmt.Errorf("failed to save network %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteNetwork removes a network's persisted record. Idempotent: a
// missing file is not an error.
func (s *Store) DeleteNetwork(id string) error {
	if err := os.Remove(s.networkPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete network %s: %w", id, err)
	}
	return nil
}

// ListNetworks returns every persisted network record.
func (s *Store) ListNetworks() ([]NetworkRecord, error) {
	dir := filepath.Join(s.dir, "networks")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list networks directory: %w", err)
	}

	var out []NetworkRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			s.log.Error(err, "failed to read network record", "file", e.Name())
			continue
		}
		var rec NetworkRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.log.Error(err, "failed to decode network record", "file", e.Name())
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveEndpoint durably persists rec under its network's subtree.
func (s *Store) SaveEndpoint(rec EndpointRecord) error {
	if err := os.MkdirAll(s.endpointDir(rec.NetworkID), 0o755); err != nil {
		return fmt.Errorf("failed to create endpoint directory for network %s: %w", rec.NetworkID, err)
	}
	if err := writeAtomic(s.endpointPath(rec.NetworkID, rec.ID), rec); err != nil {
		return fmt.Errorf("failed to save endpoint %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteEndpoint removes a persisted endpoint record. Idempotent.
func (s *Store) DeleteEndpoint(networkID, endpointID string) error {
	if err := os.Remove(s.endpointPath(networkID, endpointID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete endpoint %s: %w", endpointID, err)
	}
	return nil
}

// ListEndpoints returns every persisted endpoint record across all
// networks.
func (s *Store) ListEndpoints() ([]EndpointRecord, error) {
	root := filepath.Join(s.dir, "endpoints")
	networkDirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints directory: %w", err)
	}

	var out []EndpointRecord
	for _, nd := range networkDirs {
		if !nd.IsDir() {
			continue
		}
		sub := filepath.Join(root, nd.Name())
		files, err := os.ReadDir(sub)
		if err != nil {
			s.log.Error(err, "failed to read endpoint subdirectory", "network", nd.Name())
			continue
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
				continue
			}
			data, err := os.ReadFile(filepath.Join(sub, f.Name()))
			if err != nil {
				s.log.Error(err, "failed to read endpoint record", "file", f.Name())
				continue
			}
			var rec EndpointRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				s.log.Error(err, "failed to decode endpoint record", "file", f.Name())
				continue
			}
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NetworkID != out[j].NetworkID {
			return out[i].NetworkID < out[j].NetworkID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
