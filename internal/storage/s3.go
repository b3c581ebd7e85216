// SPDX-License-Identifier: MIT

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/imgvault/imgvault/internal/log"
)

// DefaultS3Prefix namespaces every object in the bucket.
const DefaultS3Prefix = "images/"

// deleteParallelism bounds the fan-out of a prefix purge.
const deleteParallelism = 8

// S3Config carries the object-store settings. Endpoint is optional; when
// set (R2, minio) path-style addressing is forced because those fronts
// do not resolve virtual-hosted buckets.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// S3API is the slice of the AWS S3 client the backend uses. Kept small
// so tests can stub it.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 is the object-store variant of the persistent tier. Metadata rides
// as object-level custom metadata, so one object fully describes an entry.
type S3 struct {
	client S3API
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewS3 builds the backend. Static credentials are used when configured;
// otherwise the SDK default chain applies (instance profiles, env).
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3WithClient(client, cfg), nil
}

// NewS3WithClient wires an existing client; tests use this with a stub.
func NewS3WithClient(client S3API, cfg S3Config) *S3 {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultS3Prefix
	}
	return &S3{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: log.WithComponent("storage.s3"),
	}
}

func (s *S3) objectKey(key string) string { return s.prefix + key }

// Get fetches the object body and rebuilds the metadata record from the
// custom metadata map.
func (s *S3) Get(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 storage: get %s: %w", key, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 storage: read body %s: %w", key, err)
	}

	m := metadataFromObject(out.Metadata)
	if m.ContentType == "" && out.ContentType != nil {
		m.ContentType = *out.ContentType
	}
	return &Object{Bytes: b, Meta: m}, nil
}

// Put uploads the bytes with the metadata attached to the object.
func (s *S3) Put(ctx context.Context, key string, b []byte, m Metadata) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(b),
		ContentType: aws.String(m.ContentType),
		Metadata:    metadataToObject(m),
	})
	if err != nil {
		return fmt.Errorf("s3 storage: put %s: %w", key, err)
	}
	return nil
}

// Exists issues a HEAD for the object.
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 storage: head %s: %w", key, err)
	}
	return true, nil
}

// Delete removes one object. Deleting an absent key succeeds.
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 storage: delete %s: %w", key, err)
	}
	return nil
}

// DeleteByPrefix paginates the listing and deletes matches in parallel.
func (s *S3) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.objectKey(prefix)),
			ContinuationToken: token,
		})
		if err != nil {
			return 0, fmt.Errorf("s3 storage: list prefix %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteParallelism)
	for _, k := range keys {
		g.Go(func() error {
			_, err := s.client.DeleteObject(gctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(k),
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("s3 storage: purge prefix %s: %w", prefix, err)
	}
	return len(keys), nil
}

// HealthCheck heads a probe key. A 404 means the bucket answered, which
// is healthy; only transport or auth failures count against it.
func (s *S3) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + ".healthcheck"),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 storage: bucket unreachable: %w", err)
	}
	return nil
}

// Name identifies the variant.
func (s *S3) Name() string { return "s3" }

// Custom-metadata keys. S3 stores these under x-amz-meta-*; the SDK
// exposes them without that transport prefix.
const (
	metaOriginalURL  = "x-original-url"
	metaContentType  = "x-content-type"
	metaOriginalSize = "x-original-size"
	metaCachedSize   = "x-cached-size"
	metaWidth        = "x-width"
	metaHeight       = "x-height"
	metaWorkspaceID  = "x-workspace-id"
	metaBlockID      = "x-block-id"
	metaCachedAt     = "x-cached-at"
	metaAccessCount  = "x-access-count"
)

func metadataToObject(m Metadata) map[string]string {
	out := map[string]string{
		metaOriginalURL:  m.OriginalURL,
		metaContentType:  m.ContentType,
		metaOriginalSize: strconv.FormatInt(m.OriginalSize, 10),
		metaCachedSize:   strconv.FormatInt(m.CachedSize, 10),
		metaCachedAt:     m.CachedAt.UTC().Format(time.RFC3339),
		metaAccessCount:  strconv.FormatInt(m.AccessCount, 10),
	}
	if m.Width > 0 {
		out[metaWidth] = strconv.Itoa(m.Width)
	}
	if m.Height > 0 {
		out[metaHeight] = strconv.Itoa(m.Height)
	}
	if m.WorkspaceID != "" {
		out[metaWorkspaceID] = m.WorkspaceID
	}
	if m.BlockID != "" {
		out[metaBlockID] = m.BlockID
	}
	return out
}

func metadataFromObject(raw map[string]string) Metadata {
	m := Metadata{
		OriginalURL: raw[metaOriginalURL],
		ContentType: raw[metaContentType],
		WorkspaceID: raw[metaWorkspaceID],
		BlockID:     raw[metaBlockID],
	}
	m.OriginalSize, _ = strconv.ParseInt(raw[metaOriginalSize], 10, 64)
	m.CachedSize, _ = strconv.ParseInt(raw[metaCachedSize], 10, 64)
	m.Width, _ = strconv.Atoi(raw[metaWidth])
	m.Height, _ = strconv.Atoi(raw[metaHeight])
	m.AccessCount, _ = strconv.ParseInt(raw[metaAccessCount], 10, 64)
	if t, err := time.Parse(time.RFC3339, raw[metaCachedAt]); err == nil {
		m.CachedAt = t
	}
	return m
}

// isNotFound classifies S3 errors that mean "the object is not there".
// Different S3-compatible fronts answer with different shapes, so both
// the typed errors and the smithy code string are checked.
func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}
