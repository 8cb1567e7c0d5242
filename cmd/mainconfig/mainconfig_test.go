package mainconfig

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/appointment-sync/internal/config"
)

func TestAWSNeeded(t *testing.T) {
	assert.False(t, AWSNeeded(nil))
	assert.False(t, AWSNeeded(&appconfig.Config{AlertEmailProvider: "sendgrid"}))
	assert.True(t, AWSNeeded(&appconfig.Config{FeedArchiveBucket: "feeds"}))
	assert.True(t, AWSNeeded(&appconfig.Config{AlertEmailProvider: "ses"}))
}

func TestLoadAWSConfigEndpointOverride(t *testing.T) {
	cfg := &appconfig.Config{
		AWSRegion:           "eu-central-1",
		AWSAccessKeyID:      "test",
		AWSSecretAccessKey:  "test",
		AWSEndpointOverride: "http://localhost:4566",
	}
	awsCfg, err := LoadAWSConfig(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", awsCfg.Region)

	creds, err := awsCfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", creds.AccessKeyID)

	for _, service := range []string{s3.ServiceID, sesv2.ServiceID} {
		ep, err := awsCfg.EndpointResolverWithOptions.ResolveEndpoint(service, "eu-central-1")
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:4566", ep.URL)
	}
	_, err = awsCfg.EndpointResolverWithOptions.ResolveEndpoint("SQS", "eu-central-1")
	assert.Error(t, err)
}
