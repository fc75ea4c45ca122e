package staging

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/mrveiss/pureboot-sub001/interfaces"
	"github.com/mrveiss/pureboot-sub001/metrics"
)

// reservationMarker is the zero-byte object written at reservation time so a
// generation exists (and is listable) before the agent uploads anything.
const reservationMarker = ".reservation"

// S3Backend stages clone data in Amazon S3 or a compatible object store.
// Each reservation is a fresh timestamped key prefix the agents stream the
// disk image into.
type S3Backend struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Backend creates an S3 staging backend. Credentials are required:
// staged transfers always write.
func NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Backend, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	} else {
		log.Warn("No S3 credentials provided - staging writes may fail unless the bucket is public writable")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create AWS session: %v", interfaces.ErrProvisioningFailure, err)
	}

	return &S3Backend{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.TrimSuffix(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Reserve verifies bucket access and writes a reservation marker under a new
// generation key prefix for the destination.
func (b *S3Backend) Reserve(ctx context.Context, destination string, sizeBytes int64) (interfaces.StagingAllocation, error) {
	if destination == "" {
		return interfaces.StagingAllocation{}, fmt.Errorf("%w: destination is required", interfaces.ErrProvisioningFailure)
	}

	now := time.Now()
	generationPrefix := b.generationKey(destination, generationStamp(now))

	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		return interfaces.StagingAllocation{}, fmt.Errorf("%w: bucket %s unreachable: %v", interfaces.ErrProvisioningFailure, b.bucketName, err)
	}

	_, err = b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(generationPrefix + reservationMarker),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return interfaces.StagingAllocation{}, fmt.Errorf("%w: failed to write reservation marker: %v", interfaces.ErrProvisioningFailure, err)
	}

	b.log.Info("Reserved staging generation",
		"backend", b.Name(),
		"keyPrefix", generationPrefix,
		"sizeBytes", sizeBytes)
	metrics.StagingBytesReserved.Add(float64(sizeBytes))

	return interfaces.StagingAllocation{
		Backend:       b.Name(),
		LocationURI:   b.locationURI,
		Path:          generationPrefix,
		ReservedBytes: sizeBytes,
		Status:        interfaces.StagingProvisioned,
		CreatedAt:     now,
	}, nil
}

// Release deletes generations under the allocation's destination beyond the
// keepVersions most recent ones. A generation is deleted as a whole key
// prefix, never object-by-object selectively.
func (b *S3Backend) Release(ctx context.Context, alloc interfaces.StagingAllocation, keepVersions int) error {
	destinationPrefix := path.Dir(strings.TrimSuffix(alloc.Path, "/")) + "/"

	listOutput, err := b.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucketName),
		Prefix:    aws.String(destinationPrefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return fmt.Errorf("failed to list staging generations: %w", err)
	}

	var generations []string
	for _, commonPrefix := range listOutput.CommonPrefixes {
		generations = append(generations, aws.StringValue(commonPrefix.Prefix))
	}

	sort.Sort(sort.Reverse(sort.StringSlice(generations)))

	for i, generationPrefix := range generations {
		if i < keepVersions {
			continue
		}
		if err := b.deletePrefix(ctx, generationPrefix); err != nil {
			return err
		}
		b.log.Info("Deleted staging generation", "keyPrefix", generationPrefix)
	}

	metrics.StagingReleases.Inc()
	return nil
}

func (b *S3Backend) deletePrefix(ctx context.Context, prefix string) error {
	for {
		listOutput, err := b.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.bucketName),
			Prefix: aws.String(prefix),
		})
		if err != nil {
			return fmt.Errorf("failed to list generation %s: %w", prefix, err)
		}
		if len(listOutput.Contents) == 0 {
			return nil
		}

		objects := make([]*s3.ObjectIdentifier, 0, len(listOutput.Contents))
		for _, obj := range listOutput.Contents {
			objects = append(objects, &s3.ObjectIdentifier{Key: obj.Key})
		}

		_, err = b.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucketName),
			Delete: &s3.Delete{Objects: objects},
		})
		if err != nil {
			return fmt.Errorf("failed to delete generation %s: %w", prefix, err)
		}

		if !aws.BoolValue(listOutput.IsTruncated) {
			return nil
		}
	}
}

// Available checks the bucket is reachable.
func (b *S3Backend) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Debug("S3 staging backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this backend.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

// LocationURI returns the URI this backend was created from.
func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

func (b *S3Backend) generationKey(destination, stamp string) string {
	if b.prefix == "" {
		return fmt.Sprintf("%s/%s/", destination, stamp)
	}
	return fmt.Sprintf("%s/%s/%s/", b.prefix, destination, stamp)
}
