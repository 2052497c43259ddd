// Package blobstore offloads oversized message payloads to S3-compatible
// object storage, so the Producer Path never writes a multi-megabyte blob
// directly into a messages row (spec §11 domain stack: aws-sdk-go-v2 was
// present in the teacher's go.mod but unused by any retrieved source file;
// this is its first concrete home).
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Store offloads and retrieves payloads from a single S3 bucket/prefix.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// Config configures a Store. Region/credentials are resolved the usual
// aws-sdk-go-v2 way (environment, shared config, IAM role) via
// awsconfig.LoadDefaultConfig.
type Config struct {
	Bucket   string
	Prefix   string
	Endpoint string // non-empty for S3-compatible stores (e.g. MinIO)
	Region   string
}

// New constructs a Store, loading AWS credentials/region from the standard
// SDK resolution chain.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Put uploads payload and returns a payload_ref pointer to store on the
// message row in place of the inline payload.
func (s *Store) Put(ctx context.Context, payload []byte) (string, error) {
	key := s.objectKey(uuid.New().String())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// Get retrieves a payload previously stored via Put, given its payload_ref.
func (s *Store) Get(ctx context.Context, payloadRef string) ([]byte, error) {
	key, err := s.keyFromRef(payloadRef)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Delete removes an offloaded payload, called when its owning message row
// is purged.
func (s *Store) Delete(ctx context.Context, payloadRef string) error {
	key, err := s.keyFromRef(payloadRef)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *Store) objectKey(id string) string {
	if s.prefix == "" {
		return id
	}
	return s.prefix + "/" + id
}

func (s *Store) keyFromRef(ref string) (string, error) {
	want := "s3://" + s.bucket + "/"
	if len(ref) <= len(want) || ref[:len(want)] != want {
		return "", fmt.Errorf("payload ref %q does not belong to bucket %s", ref, s.bucket)
	}
	return ref[len(want):], nil
}
