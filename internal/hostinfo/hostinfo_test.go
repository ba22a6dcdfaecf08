package hostinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetIsStableAcrossCalls(t *testing.T) {
	first := Get()
	second := Get()
	require.Equal(t, first, second, "probe must be cached per process")
	assert.NotEmpty(t, first.Hostname)
}

func TestMetadataOmitsEmptyFields(t *testing.T) {
	md := Info{Hostname: "dev-box", OS: "linux"}.Metadata()
	require.NotNil(t, md)
	assert.Equal(t, "dev-box", md["host_name"])
	assert.Equal(t, "linux", md["host_os"])
	assert.NotContains(t, md, "host_platform")
	assert.NotContains(t, md, "host_kernel")
}

func TestMetadataNilWhenEmpty(t *testing.T) {
	assert.Nil(t, Info{}.Metadata())
}
