/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mixsource turns a style's stored mix reference into a URL a
// player can fetch.
package mixsource

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/friendsincode/storeplay/internal/playback"
)

// DefaultTTL is how long a presigned mix URL stays valid.
const DefaultTTL = 6 * time.Hour

// Presigner issues temporary GET URLs for objects.
type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Resolver maps stored mix references to playable URLs. http and https
// references pass through; s3://bucket/key references are presigned.
type Resolver struct {
	presigner Presigner
	ttl       time.Duration
}

// NewResolver creates a resolver. presigner may be nil when no object
// storage is configured.
func NewResolver(presigner Presigner, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{presigner: presigner, ttl: ttl}
}

// Resolve returns the URL to hand to the player.
func (r *Resolver) Resolve(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", playback.Misconfigured("mix_url", "style has no mix source")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", playback.Misconfigured("mix_url", err.Error())
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return "", playback.Misconfigured("mix_url", "missing host")
		}
		return raw, nil
	case "s3":
		if r == nil || r.presigner == nil {
			return "", playback.Misconfigured("mix_url", "s3 sources are not configured")
		}
		bucket := u.Host
		key := strings.TrimPrefix(u.Path, "/")
		if bucket == "" || key == "" {
			return "", playback.Misconfigured("mix_url", "s3 reference needs bucket and key")
		}
		signed, err := r.presigner.PresignGet(ctx, bucket, key, r.ttl)
		if err != nil {
			return "", fmt.Errorf("presign %s: %w", raw, err)
		}
		return signed, nil
	default:
		return "", playback.Misconfigured("mix_url", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
}

// S3Config configures the S3 client. Endpoint and UsePathStyle allow
// MinIO and other compatible stores.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Presigner presigns GET requests with the AWS SDK.
type S3Presigner struct {
	client *s3.PresignClient
}

// NewS3Presigner loads the default AWS configuration chain and applies the
// overrides from cfg.
func NewS3Presigner(ctx context.Context, cfg S3Config) (*S3Presigner, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Presigner{client: s3.NewPresignClient(client)}, nil
}

// PresignGet returns a temporary GET URL for bucket/key.
func (p *S3Presigner) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}
