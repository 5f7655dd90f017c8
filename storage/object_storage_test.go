package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri    string
		bucket string
		key    string
		bad    bool
	}{
		{uri: "s3://exports/orders/2024.csv", bucket: "exports", key: "orders/2024.csv"},
		{uri: "s3c://backups/daily", bucket: "backups", key: "daily"},
		{uri: "s3://exports", bucket: "exports", key: ""},
		{uri: "gs://exports/x", bad: true},
		{uri: "exports/x", bad: true},
	}
	for _, tt := range tests {
		bucket, key, err := ParseURI(tt.uri)
		if tt.bad {
			assert.Error(t, err, tt.uri)
			continue
		}
		require.NoError(t, err, tt.uri)
		assert.Equal(t, tt.bucket, bucket)
		assert.Equal(t, tt.key, key)
	}
}

func TestRegionFromEndpoint(t *testing.T) {
	region, err := regionFromEndpoint("s3", "s3.eu-west-2.amazonaws.com")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-2", region)

	region, err = regionFromEndpoint("s3", "s3.cn-north-1.amazonaws.com.cn")
	require.NoError(t, err)
	assert.Equal(t, "cn-north-1", region)

	_, err = regionFromEndpoint("s3", "minio.internal:9000")
	assert.Error(t, err)

	region, err = regionFromEndpoint("s3c", "minio.internal:9000")
	require.NoError(t, err)
	assert.Equal(t, defaultRegion, region)
}
