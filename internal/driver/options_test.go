package driver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ovn-docker-plugin/internal/errs"
)

func TestParseNetworkOptionsDefaultsBridge(t *testing.T) {
	opts, err := parseNetworkOptions(map[string]interface{}{}, "br-int")
	require.NoError(t, err)
	require.Equal(t, "br-int", opts.Bridge)
	require.False(t, opts.isOVNBacked())
}

func TestParseNetworkOptionsUnwrapsGenericMap(t *testing.T) {
	raw := map[string]interface{}{
		"com.docker.network.generic": map[string]interface{}{"bridge": "br0"},
	}
	opts, err := parseNetworkOptions(raw, "br-int")
	require.NoError(t, err)
	require.Equal(t, "br0", opts.Bridge)
}

func TestParseNetworkOptionsRecognizesOVNKeys(t *testing.T) {
	raw := map[string]interface{}{
		"ovn.switch":        "ls-a",
		"ovn.nb_connection": "tcp:127.0.0.1:6641",
		"ovn.sb_connection": "tcp:127.0.0.1:6642",
		"ovn.auto_create":   "false",
		"vlan":              "42",
		"custom.unknown":    "kept",
	}
	opts, err := parseNetworkOptions(raw, "br-int")
	require.NoError(t, err)
	require.True(t, opts.isOVNBacked())
	require.Equal(t, "ls-a", opts.OVNSwitch)
	require.Equal(t, 42, opts.VLAN)
	require.False(t, opts.OVNAutoCreate)
	require.Equal(t, "kept", opts.Extra["custom.unknown"])
}

func TestParseNetworkOptionsRequiresNBSBWithSwitch(t *testing.T) {
	_, err := parseNetworkOptions(map[string]interface{}{"ovn.switch": "ls-a"}, "br-int")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.InvalidConfig))
}

func TestParseNetworkOptionsTransitStillRequiresConnections(t *testing.T) {
	_, err := parseNetworkOptions(map[string]interface{}{
		"ovn.switch": "ls-t",
		"ovn.role":   "transit",
	}, "br-int")
	require.Error(t, err)

	opts, err := parseNetworkOptions(map[string]interface{}{
		"ovn.switch":        "ls-t",
		"ovn.role":          "transit",
		"ovn.nb_connection": "tcp:127.0.0.1:6641",
		"ovn.sb_connection": "tcp:127.0.0.1:6642",
	}, "br-int")
	require.NoError(t, err)
	require.True(t, opts.isTransit())
}

func TestParseNetworkOptionsRejectsUnknownRole(t *testing.T) {
	_, err := parseNetworkOptions(map[string]interface{}{"ovn.role": "bogus"}, "br-int")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.InvalidConfig))
}

func TestParseNetworkOptionsWantsDHCP(t *testing.T) {
	opts, err := parseNetworkOptions(map[string]interface{}{"dhcp": "ovn"}, "br-int")
	require.NoError(t, err)
	require.True(t, opts.wantsDHCP())

	opts, err = parseNetworkOptions(map[string]interface{}{}, "br-int")
	require.NoError(t, err)
	require.False(t, opts.wantsDHCP())
}

func TestVethNamesTruncateToSevenChars(t *testing.T) {
	host, peer := vethNames("abcdef0123456789")
	require.Equal(t, "vethabcdef0", host)
	require.Equal(t, "vethabcdef0-p", peer)
}

func TestLogicalPortNameTruncatesToTwelveChars(t *testing.T) {
	require.Equal(t, "lsp-abcdef012345", logicalPortName("abcdef0123456789"))
	require.Equal(t, "lsp-short", logicalPortName("short"))
}

func TestMirrorsToMatchesPrefixInCommaList(t *testing.T) {
	require.True(t, mirrorsTo("web,db123", "db1239999"))
	require.True(t, mirrorsTo(" web , db123 ", "web-abcdef"))
	require.False(t, mirrorsTo("web,db123", "cache9999"))
	require.False(t, mirrorsTo("", "anything"))
}
