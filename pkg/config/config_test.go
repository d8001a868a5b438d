package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetThenGetRoundTrip(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)

	c.Set(KeyBlobRoot, "/data/blobs")
	assert.Equal(t, "/data/blobs", c.Get(KeyBlobRoot))
}

func TestSetDefaultUsedWhenUnset(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)

	c.SetDefault(KeyStoragePath, "/var/lib/acecore")
	assert.Equal(t, "/var/lib/acecore", c.Get(KeyStoragePath))
}

func TestEnvOverrideTakesPrecedenceOverSet(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)

	c.Set(KeyRedisURL, "redis://in-process:6379")

	require.NoError(t, os.Setenv("ACE_CACHE_REDIS_URL", "redis://from-env:6379"))
	t.Cleanup(func() { _ = os.Unsetenv("ACE_CACHE_REDIS_URL") })

	assert.Equal(t, "redis://from-env:6379", c.Get(KeyRedisURL))
}

func TestOnSetHandlerInvokedAfterSet(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)

	var gotKey, gotValue string
	c.OnSet(func(key, value string) {
		gotKey, gotValue = key, value
	})

	c.Set(KeyBlobS3Bucket, "ace-blobs")
	assert.Equal(t, KeyBlobS3Bucket, gotKey)
	assert.Equal(t, "ace-blobs", gotValue)
}

func TestGetUnsetKeyReturnsEmptyString(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	assert.Empty(t, c.Get("/ace/core/never/set"))
}
