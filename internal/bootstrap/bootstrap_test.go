package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ovn-docker-plugin/internal/errs"
)

func TestHostPortParsesTCPScheme(t *testing.T) {
	host, port, err := hostPort("tcp:127.0.0.1:6641")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", host)
	require.Equal(t, "6641", port)
}

func TestHostPortRejectsOtherSchemes(t *testing.T) {
	_, _, err := hostPort("unix:/var/run/ovn/ovnnb_db.sock")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.InvalidConfig))
}

func TestHostPortRejectsMalformed(t *testing.T) {
	_, _, err := hostPort("tcp:not-a-host-port")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.InvalidConfig))
}

func TestCentralIPIsDotFive(t *testing.T) {
	require.Equal(t, "172.28.0.5", centralIP("172.28.0.0/24"))
	require.Equal(t, "10.0.1.5", centralIP("10.0.1.0/24"))
}

func TestGatewayIPIsDotOne(t *testing.T) {
	require.Equal(t, "172.28.0.1", gatewayIP("172.28.0.0/24"))
}
