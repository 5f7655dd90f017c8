// Package storage uploads COPY TO exports to S3 and S3-compatible object
// stores.
package storage

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
)

// Config describes an object storage target. Provider is "s3" for AWS
// proper and "s3c" for S3-compatible stores reached through a custom
// endpoint.
type Config struct {
	Provider        string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

const (
	defaultRegion = "us-east-1"
	httpPrefix    = "http://"

	// uploadPartSize is the multipart chunk size. 5 MiB is the S3 minimum,
	// which keeps memory per in-flight COPY bounded.
	uploadPartSize = 5 * 1024 * 1024
)

var supportedProviders = map[string]struct{}{
	"s3":  {},
	"s3c": {},
}

// ObjectStore wraps an S3 client behind a streaming upload API.
type ObjectStore struct {
	client   *s3.Client
	uploader *manager.Uploader
}

// NewObjectStore builds a store from cfg. When cfg.Region is empty it is
// derived from the endpoint for "s3" and defaulted for "s3c".
func NewObjectStore(ctx context.Context, cfg Config) (*ObjectStore, error) {
	if _, ok := supportedProviders[cfg.Provider]; !ok {
		return nil, errors.Newf("unsupported provider %q, use s3 or s3c", cfg.Provider)
	}
	if cfg.Region == "" {
		region, err := regionFromEndpoint(cfg.Provider, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		cfg.Region = region
	}

	awsCfg, err := buildAWSConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s client config", cfg.Provider)
	}
	client := s3.NewFromConfig(awsCfg)
	return &ObjectStore{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = uploadPartSize
		}),
	}, nil
}

// Upload streams body to the object named by uri, an s3:// or s3c:// URL.
// The reader is consumed incrementally in multipart chunks.
func (o *ObjectStore) Upload(ctx context.Context, uri string, body io.Reader) error {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return err
	}
	if key == "" {
		return errors.Newf("%q names a bucket but no object key", uri)
	}

	_, err = o.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		var multiErr manager.MultiUploadFailure
		if errors.As(err, &multiErr) {
			return errors.Wrapf(multiErr, "multipart upload of %s/%s failed, upload id %s",
				bucket, key, multiErr.UploadID())
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "EntityTooLarge" {
			return errors.Wrapf(err, "object %s/%s exceeds the upload size limit", bucket, key)
		}
		return errors.Wrapf(err, "uploading %s/%s", bucket, key)
	}
	return nil
}

// ParseURI splits an s3:// or s3c:// URL into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", errors.Wrapf(err, "parsing object URI %q", uri)
	}
	if _, ok := supportedProviders[strings.ToLower(parsed.Scheme)]; !ok {
		return "", "", errors.Newf("unsupported scheme %q in %q, use s3:// or s3c://", parsed.Scheme, uri)
	}
	return parsed.Host, strings.TrimPrefix(parsed.Path, "/"), nil
}

func buildAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	if cfg.Provider == "s3c" {
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = httpPrefix + endpoint
		}
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               endpoint,
					SigningRegion:     cfg.Region,
					HostnameImmutable: true,
				}, nil
			})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// regionFromEndpoint recovers the region code from an AWS endpoint such as
// s3.eu-west-2.amazonaws.com. Compatible stores fall back to a fixed
// region, which only matters for request signing.
func regionFromEndpoint(provider, endpoint string) (string, error) {
	if provider != "s3" {
		return defaultRegion, nil
	}
	segments := strings.Split(endpoint, ".")
	last := len(segments) - 1
	if last >= 0 && strings.EqualFold(segments[last], "cn") {
		last--
	}
	if last >= 2 &&
		strings.EqualFold(segments[last], "com") &&
		strings.EqualFold(segments[last-1], "amazonaws") &&
		!strings.EqualFold(segments[last-2], "s3") {
		return segments[last-2], nil
	}
	if endpoint == "" {
		return defaultRegion, nil
	}
	return "", errors.Newf("cannot determine region from endpoint %q", endpoint)
}
