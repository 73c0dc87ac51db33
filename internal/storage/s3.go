package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"

	"github.com/einyx/bucket-access-portal/internal/config"
	"github.com/einyx/bucket-access-portal/internal/metrics"
	"github.com/einyx/bucket-access-portal/internal/transport"
)

// DefaultRegion is assumed when a bucket reports no location
const DefaultRegion = "us-east-1"

// S3Backend lists buckets and objects through the AWS SDK
type S3Backend struct {
	client  s3iface.S3API
	maxKeys int64
	timeout time.Duration
	metrics *metrics.Metrics
}

var _ Backend = (*S3Backend)(nil)

// NewS3Backend creates an S3 backend from the storage configuration.
// Without static keys or a profile the SDK default credential chain is used.
func NewS3Backend(cfg config.StorageConfig, m *metrics.Metrics) (*S3Backend, error) {
	awsConfig := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.UsePathStyle),
		MaxRetries:       aws.Int(3),
		HTTPClient:       transport.NewHTTPClient(cfg.Timeout),
	}

	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		logrus.WithField("endpoint", cfg.Endpoint).Info("Using custom S3 endpoint")
	}

	if cfg.DisableSSL {
		awsConfig.DisableSSL = aws.Bool(true)
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
		logrus.WithField("accessKey", config.MaskCredential(cfg.AccessKey)).Info("Using static AWS credentials")
	} else {
		logrus.Info("Using AWS default credential chain (env vars, IAM role, etc.)")
	}

	var sess *session.Session
	var err error

	if cfg.Profile != "" {
		sess, err = session.NewSessionWithOptions(session.Options{
			Config:            *awsConfig,
			Profile:           cfg.Profile,
			SharedConfigState: session.SharedConfigEnable,
		})
		logrus.WithField("profile", cfg.Profile).Info("Using AWS profile")
	} else {
		sess, err = session.NewSession(awsConfig)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"endpoint":     cfg.Endpoint,
		"region":       cfg.Region,
		"usePathStyle": cfg.UsePathStyle,
	}).Info("S3 backend created")

	return NewS3BackendWithClient(s3.New(sess), cfg.MaxKeys, cfg.Timeout, m), nil
}

// NewS3BackendWithClient wraps an existing S3 client
func NewS3BackendWithClient(client s3iface.S3API, maxKeys int64, timeout time.Duration, m *metrics.Metrics) *S3Backend {
	if maxKeys <= 0 || maxKeys > 1000 {
		maxKeys = 1000
	}
	return &S3Backend{client: client, maxKeys: maxKeys, timeout: timeout, metrics: m}
}

func (s *S3Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// ListBuckets lists provider buckets without resolving their regions
func (s *S3Backend) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	result, err := s.client.ListBucketsWithContext(ctx, &s3.ListBucketsInput{})
	s.metrics.ObserveStorageOp("ListBuckets", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	buckets := make([]BucketInfo, 0, len(result.Buckets))
	for _, b := range result.Buckets {
		name := aws.StringValue(b.Name)
		if name == "" {
			continue
		}
		buckets = append(buckets, BucketInfo{
			Name:         name,
			ARN:          BucketARN(name),
			CreationDate: aws.TimeValue(b.CreationDate),
		})
	}

	logrus.WithField("count", len(buckets)).Debug("Listed provider buckets")
	return buckets, nil
}

// BucketRegion asks the provider where bucket lives. A failed lookup
// falls back to us-east-1.
func (s *S3Backend) BucketRegion(ctx context.Context, bucket string) string {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	loc, err := s.client.GetBucketLocationWithContext(ctx, &s3.GetBucketLocationInput{
		Bucket: aws.String(bucket),
	})
	s.metrics.ObserveStorageOp("GetBucketLocation", err, time.Since(start))
	if err != nil {
		logrus.WithError(err).WithField("bucket", bucket).Warn("Failed to get bucket location, assuming default region")
		return DefaultRegion
	}
	region := s3.NormalizeBucketLocation(aws.StringValue(loc.LocationConstraint))
	if region == "" {
		return DefaultRegion
	}
	return region
}

// ListObjects returns up to maxKeys objects of bucket
func (s *S3Backend) ListObjects(ctx context.Context, bucket string) ([]ObjectInfo, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := s.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int64(s.maxKeys),
	})
	s.metrics.ObserveStorageOp("ListObjectsV2", err, time.Since(start))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"bucket": bucket,
			"error":  err.Error(),
		}).Error("S3 ListObjectsV2 failed")
		return nil, fmt.Errorf("failed to list objects in bucket %s: %w", bucket, err)
	}

	objects := make([]ObjectInfo, 0, len(resp.Contents))
	for _, obj := range resp.Contents {
		key := aws.StringValue(obj.Key)
		size := aws.Int64Value(obj.Size)
		objects = append(objects, ObjectInfo{
			Key:          key,
			Size:         FormatSize(size),
			SizeBytes:    size,
			LastModified: aws.TimeValue(obj.LastModified),
			ETag:         aws.StringValue(obj.ETag),
			Type:         ObjectType(key),
		})
	}
	return objects, nil
}

// BucketStats pages through the whole bucket
func (s *S3Backend) BucketStats(ctx context.Context, bucket string) (*BucketStats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count, total int64
	start := time.Now()
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int64(s.maxKeys),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			count++
			total += aws.Int64Value(obj.Size)
		}
		return true
	})
	s.metrics.ObserveStorageOp("BucketStats", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats for bucket %s: %w", bucket, err)
	}
	return NewBucketStats(count, total), nil
}
