package dht

import (
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"
)

func TestNewBindsEphemeralPortAndBootstraps(t *testing.T) {
	n, err := New(Config{Logger: log.Default})
	require.NoError(t, err)
	defer n.Close()
}
