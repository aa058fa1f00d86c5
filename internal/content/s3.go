package content

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"postpilot/internal/models"
)

// S3Options configures the S3-backed resolver. Endpoint and PathStyle exist
// for MinIO and localstack setups.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	// PresignTTL bounds how long a resolved location stays fetchable.
	PresignTTL time.Duration
}

// S3Resolver resolves content ids against object keys in one bucket. The
// object's user metadata carries duration and container format recorded at
// upload time.
type S3Resolver struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

// NewS3Resolver builds a resolver for the configured bucket.
func NewS3Resolver(ctx context.Context, opt S3Options) (*S3Resolver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opt.Region),
	}
	if opt.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opt.Endpoint,
					HostnameImmutable: opt.PathStyle,
					SigningRegion:     opt.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opt.PathStyle
	})
	ttl := opt.PresignTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &S3Resolver{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  opt.Bucket,
		ttl:     ttl,
	}, nil
}

// Resolve heads the object for metadata and presigns a GET for the
// destination capability to fetch the media from.
func (r *S3Resolver) Resolve(ctx context.Context, contentID string) (Meta, error) {
	head, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(contentID),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return Meta{}, fmt.Errorf("%w: content %q", models.ErrNotFound, contentID)
		}
		return Meta{}, fmt.Errorf("head content %q: %w", contentID, err)
	}

	presigned, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(contentID),
	}, s3.WithPresignExpires(r.ttl))
	if err != nil {
		return Meta{}, fmt.Errorf("presign content %q: %w", contentID, err)
	}

	meta := Meta{Location: presigned.URL}
	if head.ContentLength != nil {
		meta.SizeBytes = *head.ContentLength
	}
	meta.Format = formatFrom(head)
	if ms, err := strconv.ParseInt(head.Metadata["duration-ms"], 10, 64); err == nil {
		meta.Duration = time.Duration(ms) * time.Millisecond
	}
	return meta, nil
}

func formatFrom(head *s3.HeadObjectOutput) string {
	if f := head.Metadata["format"]; f != "" {
		return f
	}
	if head.ContentType == nil {
		return ""
	}
	// video/mp4 -> mp4
	ct := *head.ContentType
	if i := strings.LastIndexByte(ct, '/'); i >= 0 {
		return ct[i+1:]
	}
	return ct
}
