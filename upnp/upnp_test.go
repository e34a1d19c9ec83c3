package upnp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapperWithNoDevicesIsNoOp(t *testing.T) {
	m := &Mapper{}
	require.Equal(t, 0, m.NumDevices())
	require.NoError(t, m.MapPort(6881))
}
