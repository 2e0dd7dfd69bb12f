package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDiscoverer(t *testing.T) {
	d, err := NewStaticDiscoverer(map[string][]string{
		"catalog": {"127.0.0.1:3002", "127.0.0.1:3012"},
		"auth":    {"[::1]:3001"},
	})
	require.NoError(t, err)

	instances, err := d.Instances(context.Background(), "catalog")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "127.0.0.1:3002", instances[0].HostPort())
	assert.Equal(t, "catalog-1", instances[1].InstanceID)
	assert.False(t, instances[0].LastSeenHealthy.IsZero())

	auth, err := d.Instances(context.Background(), "auth")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:3001", auth[0].HostPort())

	missing, err := d.Instances(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, missing)

	names, err := d.Services(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "catalog"}, names)
}

func TestStaticDiscoverer_InvalidAddress(t *testing.T) {
	_, err := NewStaticDiscoverer(map[string][]string{"catalog": {"localhost"}})
	assert.Error(t, err)

	_, err = NewStaticDiscoverer(map[string][]string{"catalog": {"localhost:http"}})
	assert.Error(t, err)

	_, err = NewStaticDiscoverer(map[string][]string{"catalog": {"localhost:70000"}})
	assert.Error(t, err)
}
