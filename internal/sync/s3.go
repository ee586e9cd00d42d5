package sync

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// objectPutter is the subset of *s3.Client used by S3Destination.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options configures an S3Destination.
type S3Options struct {
	Bucket string
	// Key is the object key. "{date}" is replaced with the UTC export date
	// (2006-01-02) so each day keeps its own object.
	Key      string
	Region   string
	Endpoint string // custom endpoint for MinIO and similar; enables path-style addressing
}

// S3Destination writes the JSONL export to an S3-compatible bucket.
type S3Destination struct {
	client objectPutter
	bucket string
	key    string
	now    func() time.Time
}

// NewS3Destination creates an S3 destination using the default AWS
// credential chain.
func NewS3Destination(ctx context.Context, opts S3Options) (*S3Destination, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}
	return newS3Destination(s3.NewFromConfig(cfg, s3opts...), opts), nil
}

func newS3Destination(client objectPutter, opts S3Options) *S3Destination {
	return &S3Destination{
		client: client,
		bucket: opts.Bucket,
		key:    opts.Key,
		now:    time.Now,
	}
}

// objectKey resolves the configured key for an export taken now.
func (d *S3Destination) objectKey() string {
	return strings.ReplaceAll(d.key, "{date}", d.now().UTC().Format(time.DateOnly))
}

// Write uploads data as the configured object.
func (d *S3Destination) Write(ctx context.Context, body io.ReadSeeker, size int64) error {
	key := d.objectKey()
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String("application/x-ndjson"),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("s3 put object %s/%s: %w", d.bucket, key, err)
	}
	return nil
}
