// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package storage is the object-store boundary: existence checks, uploads with
// size verification, public URLs and bucket bootstrap.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/ManuGH/vidgate/internal/cache"
	xglog "github.com/ManuGH/vidgate/internal/log"
	"github.com/ManuGH/vidgate/internal/metrics"
)

// API is the subset of the S3 client used by the gateway.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
}

// Gateway talks to one bucket.
type Gateway struct {
	api        API
	bucket     string
	region     string
	publicBase string
	exists     cache.Cache
	existsTTL  time.Duration
	logger     zerolog.Logger
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithExistenceCache remembers positive existence results for ttl.
// Objects are never deleted by this service once verified, so negative
// results are never cached.
func WithExistenceCache(c cache.Cache, ttl time.Duration) Option {
	return func(g *Gateway) {
		if c != nil && ttl > 0 {
			g.exists = c
			g.existsTTL = ttl
		}
	}
}

// New creates a Gateway for cfg.Bucket.
func New(api API, cfg Config, opts ...Option) *Gateway {
	g := &Gateway{
		api:        api,
		bucket:     cfg.Bucket,
		region:     cfg.Region,
		publicBase: cfg.publicBase(),
		exists:     cache.NewNoOpCache(),
		logger:     xglog.WithComponent("storage"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Bucket returns the bucket name.
func (g *Gateway) Bucket() string { return g.bucket }

// Exists reports whether a complete object is stored under id.
// Backend errors are treated as absence.
func (g *Gateway) Exists(ctx context.Context, id string) bool {
	if _, ok := g.exists.Get(id); ok {
		metrics.IncCacheLookup(g.exists.Kind(), true)
		metrics.IncExists("cache_hit")
		return true
	}
	if g.exists.Kind() != cache.KindNone {
		metrics.IncCacheLookup(g.exists.Kind(), false)
	}

	out, err := g.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			metrics.IncExists("absent")
		} else {
			metrics.IncExists("error")
			g.logger.Debug().Err(err).Str(xglog.FieldVideoID, id).
				Str(xglog.FieldEvent, "storage.exists_error").
				Msg("existence check failed, treating as absent")
		}
		return false
	}
	if aws.ToInt64(out.ContentLength) <= 0 {
		metrics.IncExists("empty")
		return false
	}

	metrics.IncExists("present")
	g.exists.Set(id, true, g.existsTTL)
	return true
}

// Upload stores body under id and verifies the stored size. The put is
// conditional on the key being free, so an object that is already stored is
// kept as is and never removed. On failure any partially written object is
// removed and a *Error wrapping ErrUpload is returned.
func (g *Gateway) Upload(ctx context.Context, id string, body io.Reader, size int64, contentType string) error {
	logger := xglog.WithContext(ctx, g.logger).With().Str(xglog.FieldVideoID, id).Logger()
	start := time.Now()

	_, err := g.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(g.bucket),
		Key:           aws.String(id),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
		IfNoneMatch:   aws.String("*"),
	})
	if isPreconditionFailed(err) {
		return g.adoptExisting(ctx, id, logger)
	}
	if err != nil {
		metrics.RecordUpload("put_error", 0)
		g.discard(ctx, id, logger)
		return uploadError("put", id, err)
	}

	head, err := g.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		metrics.RecordUpload("verify_error", 0)
		g.discard(ctx, id, logger)
		return uploadError("verify", id, err)
	}
	if got := aws.ToInt64(head.ContentLength); got != size {
		metrics.RecordUpload("size_mismatch", 0)
		g.discard(ctx, id, logger)
		return uploadError("verify", id, fmt.Errorf("stored %d bytes, expected %d", got, size))
	}

	metrics.RecordUpload("success", size)
	logger.Info().
		Str(xglog.FieldEvent, "storage.uploaded").
		Str(xglog.FieldBucket, g.bucket).
		Int64(xglog.FieldSize, size).
		Str(xglog.FieldContentType, contentType).
		Dur("duration", time.Since(start)).
		Msg("object stored")
	g.exists.Set(id, true, g.existsTTL)
	return nil
}

// adoptExisting handles a put refused because id is already taken. A complete
// object is accepted as the upload result. An empty one is treated as a stub
// and removed so the next attempt can store the video.
func (g *Gateway) adoptExisting(ctx context.Context, id string, logger zerolog.Logger) error {
	head, err := g.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		metrics.RecordUpload("verify_error", 0)
		return uploadError("verify", id, err)
	}
	if aws.ToInt64(head.ContentLength) <= 0 {
		metrics.RecordUpload("size_mismatch", 0)
		g.discard(ctx, id, logger)
		return uploadError("verify", id, errors.New("existing object is empty"))
	}

	metrics.RecordUpload("already_present", 0)
	logger.Info().
		Str(xglog.FieldEvent, "storage.already_present").
		Str(xglog.FieldBucket, g.bucket).
		Int64(xglog.FieldSize, aws.ToInt64(head.ContentLength)).
		Msg("object already stored, keeping existing copy")
	g.exists.Set(id, true, g.existsTTL)
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}

// discard removes a partial object. It runs on a detached context so a
// canceled upload still gets cleaned up.
func (g *Gateway) discard(ctx context.Context, id string, logger zerolog.Logger) {
	g.exists.Delete(id)
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := g.api.DeleteObject(dctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(id),
	}); err != nil {
		logger.Warn().Err(err).Str(xglog.FieldEvent, "storage.discard_failed").Msg("failed to remove partial object")
	}
}

// PublicURL returns the URL clients use to fetch the object for id.
func (g *Gateway) PublicURL(id string) string {
	return g.publicBase + "/" + url.PathEscape(g.bucket) + "/" + url.PathEscape(id)
}

// Ping checks that the bucket is reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	_, err := g.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(g.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %q: %w", g.bucket, err)
	}
	return nil
}

// EnsureBucket creates the bucket if needed and grants anonymous read access to
// its objects.
func (g *Gateway) EnsureBucket(ctx context.Context) error {
	if _, err := g.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(g.bucket)}); err != nil {
		if err := g.createBucket(ctx); err != nil {
			return err
		}
	}

	policy, err := publicReadPolicy(g.bucket)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBucketSetup, err)
	}
	if _, err := g.api.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(g.bucket),
		Policy: aws.String(policy),
	}); err != nil {
		return fmt.Errorf("%w: set policy on %q: %w", ErrBucketSetup, g.bucket, err)
	}

	g.logger.Info().
		Str(xglog.FieldEvent, "storage.bucket_ready").
		Str(xglog.FieldBucket, g.bucket).
		Msg("bucket ready with public read policy")
	return nil
}

func (g *Gateway) createBucket(ctx context.Context) error {
	in := &s3.CreateBucketInput{Bucket: aws.String(g.bucket)}
	if g.region != "" && g.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(g.region),
		}
	}

	_, err := g.api.CreateBucket(ctx, in)
	if err == nil {
		g.logger.Info().Str(xglog.FieldEvent, "storage.bucket_created").Str(xglog.FieldBucket, g.bucket).Msg("bucket created")
		return nil
	}

	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	if errors.As(err, &owned) || errors.As(err, &exists) {
		return nil
	}
	return fmt.Errorf("%w: create %q: %w", ErrBucketSetup, g.bucket, err)
}

type policyStatement struct {
	Effect    string              `json:"Effect"`
	Principal map[string][]string `json:"Principal"`
	Action    []string            `json:"Action"`
	Resource  []string            `json:"Resource"`
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

func publicReadPolicy(bucket string) (string, error) {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:    "Allow",
			Principal: map[string][]string{"AWS": {"*"}},
			Action:    []string{"s3:GetObject"},
			Resource:  []string{"arn:aws:s3:::" + bucket + "/*"},
		}},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
