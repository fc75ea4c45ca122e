package staging

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/mrveiss/pureboot-sub001/interfaces"
)

// Factory creates staging backends from location URIs.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a staging backend factory.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// BackendFor creates a staging backend from a location URI.
// The URI format is [scheme]://[auth@]host[/path][?params]
//
// Supported schemes:
//   - file:///exports/staging - filesystem directory (typically an NFS mount)
//   - block:///var/lib/clone/luns - LUN backing-file pool for block targets
//   - s3://bucket/prefix?region=us-west-2 - S3 or compatible object storage
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *Factory) BackendFor(locationURI string) (interfaces.StagingBackend, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid staging location URI: %v", interfaces.ErrProvisioningFailure, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return NewFileBackend(u.Path, f.log)
	case "block":
		return NewBlockBackend(u.Path, f.log)
	case "s3":
		return f.createS3Backend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported staging backend scheme: %s", interfaces.ErrProvisioningFailure, u.Scheme)
	}
}

// createS3Backend creates an S3 staging backend.
// URI format: s3://[accessKey:secretKey@]bucket/prefix?region=us-west-2[&endpoint=host]
func (f *Factory) createS3Backend(u *url.URL) (interfaces.StagingBackend, error) {
	bucketName := u.Host
	if bucketName == "" {
		return nil, fmt.Errorf("%w: S3 bucket name is required", interfaces.ErrProvisioningFailure)
	}

	prefix := strings.TrimPrefix(u.Path, "/")
	params := u.Query()
	region := params.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := params.Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey, f.log)
}
