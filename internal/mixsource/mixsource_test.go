/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mixsource

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/friendsincode/storeplay/internal/playback"
)

type stubPresigner struct {
	bucket, key string
	ttl         time.Duration
	err         error
}

func (s *stubPresigner) PresignGet(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	s.bucket, s.key, s.ttl = bucket, key, ttl
	if s.err != nil {
		return "", s.err
	}
	return "https://signed.example.com/" + bucket + "/" + key + "?sig=1", nil
}

func TestResolvePassesThroughHTTP(t *testing.T) {
	r := NewResolver(nil, 0)
	for _, raw := range []string{"https://cdn.example.com/jazz.mp3", "http://10.0.0.5:8000/mix.ogg"} {
		got, err := r.Resolve(context.Background(), raw)
		if err != nil || got != raw {
			t.Errorf("Resolve(%q) = %q, %v", raw, got, err)
		}
	}
}

func TestResolveRejectsUnusableSources(t *testing.T) {
	r := NewResolver(nil, 0)
	for _, raw := range []string{"", "   ", "ftp://host/mix.mp3", "https:///nohost", "s3://bucket/key", "file.mp3"} {
		_, err := r.Resolve(context.Background(), raw)
		if !errors.Is(err, playback.ErrConfiguration) {
			t.Errorf("Resolve(%q) err = %v, want configuration error", raw, err)
		}
	}
}

func TestResolvePresignsS3(t *testing.T) {
	stub := &stubPresigner{}
	r := NewResolver(stub, time.Hour)

	got, err := r.Resolve(context.Background(), "s3://mixes/styles/jazz.mp3")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if stub.bucket != "mixes" || stub.key != "styles/jazz.mp3" || stub.ttl != time.Hour {
		t.Fatalf("presign args = %+v", stub)
	}
	if !strings.HasPrefix(got, "https://signed.example.com/") {
		t.Fatalf("url = %q", got)
	}

	if _, err := r.Resolve(context.Background(), "s3://mixes/"); !errors.Is(err, playback.ErrConfiguration) {
		t.Fatalf("missing key: %v", err)
	}

	stub.err = errors.New("access denied")
	if _, err := r.Resolve(context.Background(), "s3://mixes/a.mp3"); err == nil || errors.Is(err, playback.ErrConfiguration) {
		t.Fatalf("presign failure err = %v", err)
	}
}

func TestS3PresignerSignsOffline(t *testing.T) {
	p, err := NewS3Presigner(context.Background(), S3Config{
		Region:          "us-east-1",
		Endpoint:        "http://minio.local:9000",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("new presigner: %v", err)
	}

	raw, err := p.PresignGet(context.Background(), "mixes", "jazz.mp3", 15*time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Host != "minio.local:9000" || u.Path != "/mixes/jazz.mp3" {
		t.Fatalf("url = %s", raw)
	}
	q := u.Query()
	if q.Get("X-Amz-Signature") == "" || q.Get("X-Amz-Expires") != "900" {
		t.Fatalf("query = %v", q)
	}
}
