// internal/archive/s3.go
// Package archive keeps the raw provider batches fetched during sync in
// S3-compatible object storage, so a mapping can be replayed or audited.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"

	"github.com/communitylink/service-discovery/internal/model"
)

// S3Archive writes raw feed batches to a bucket.
type S3Archive struct {
	client *s3.Client // AWS S3 client
	bucket string     // Bucket receiving the batches
}

// NewS3Archive creates an archive for AWS S3 or an S3-compatible service like MinIO.
func NewS3Archive(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string) (*S3Archive, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing for MinIO and other S3-compatible services
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &S3Archive{client: client, bucket: bucket}, nil
}

// Key returns the object key for a batch: feeds/<source>/YYYY/MM/DD/<ulid>.json.
func Key(source model.Source, fetchedAt time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(fetchedAt), ulid.DefaultEntropy())
	return path.Join("feeds", string(source), fetchedAt.UTC().Format("2006/01/02"), id.String()+".json")
}

// PutBatch stores body and returns its object key.
func (a *S3Archive) PutBatch(ctx context.Context, source model.Source, fetchedAt time.Time, body []byte) (string, error) {
	key := Key(source, fetchedAt)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"source":     string(source),
			"fetched-at": fetchedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive %s batch: %w", source, err)
	}
	return key, nil
}
