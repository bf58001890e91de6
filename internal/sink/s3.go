package sink

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// putClient is the subset of *s3.Client the sink uses.
type putClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Sink struct {
	client putClient
	bucket string
	prefix string
}

func init() {
	Register("s3", createS3Sink)
}

// createS3Sink reads bucket, prefix, region, endpoint, access_key,
// secret_key and path_style from data. Credentials fall back to the default
// AWS chain when access_key is empty.
func createS3Sink(data map[string]any) (Sink, error) {
	bucket := stringArg(data, "bucket")
	if bucket == "" {
		return nil, fmt.Errorf("s3 sink bucket is required")
	}
	region := stringArg(data, "region")
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if ak := stringArg(data, "access_key"); ak != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, stringArg(data, "secret_key"), ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := stringArg(data, "endpoint")
	pathStyle := boolArg(data, "path_style")
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})
	return newS3Sink(client, bucket, stringArg(data, "prefix")), nil
}

func newS3Sink(client putClient, bucket, prefix string) *s3Sink {
	return &s3Sink{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Put uploads the object and returns its s3:// URI.
func (s *s3Sink) Put(ctx context.Context, key string, r io.ReadSeeker, size int64) (string, error) {
	key = strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(key, "\\", "/")), "/")
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	if s.prefix != "" {
		key = path.Join(s.prefix, key)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}
