// Package ovsclient manipulates the local Open vSwitch database: bridges,
// ports, interfaces, and mirrors reachable over the host's OVSDB control
// socket. It also owns the kernel side of an endpoint's plumbing, the
// veth pair whose peer end becomes an OVS port.
package ovsclient

// Bridge is the OVSDB Bridge table row.
type Bridge struct {
	UUID         string            `ovsdb:"_uuid"`
	Name         string            `ovsdb:"name"`
	Ports        []string          `ovsdb:"ports"`
	Mirrors      []string          `ovsdb:"mirrors"`
	DatapathType string            `ovsdb:"datapath_type"`
	FailMode     *string           `ovsdb:"fail_mode"`
	ExternalIDs  map[string]string `ovsdb:"external_ids"`
}

// Port is the OVSDB Port table row.
type Port struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	Interfaces  []string          `ovsdb:"interfaces"`
	Tag         *int              `ovsdb:"tag"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// Interface is the OVSDB Interface table row.
type Interface struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	Type        string            `ovsdb:"type"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// Mirror is the OVSDB Mirror table row, used by CreateMirror.
type Mirror struct {
	UUID          string   `ovsdb:"_uuid"`
	Name          string   `ovsdb:"name"`
	SelectSrcPort []string `ovsdb:"select_src_port"`
	SelectDstPort []string `ovsdb:"select_dst_port"`
	OutputPort    *string  `ovsdb:"output_port"`
}

// OpenvSwitch is the OVSDB Open_vSwitch table row (the single global row).
type OpenvSwitch struct {
	UUID        string            `ovsdb:"_uuid"`
	Bridges     []string          `ovsdb:"bridges"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}
