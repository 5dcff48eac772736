// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package s3buf implements an S3-backed buffer store. Buffers are
// stored within a prefix in a bucket.
package s3buf

import (
	"bytes"
	"context"
	"io/ioutil"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/digest"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/liveset"
	"github.com/grailbio/cellgraph/log"
	"golang.org/x/time/rate"
)

const buffersPath = "buffers"

var retryPolicy = retry.MaxRetries(retry.Backoff(100*time.Millisecond, 5*time.Second, 1.5), 5)

// Store implements an S3-backed cellgraph.BufferStore. Buffers are
// stored in the given bucket under the given prefix, followed by
// "buffers":
//
//	s3://bucket/<prefix>/buffers/sha256:<hex>
type Store struct {
	Client s3iface.S3API
	Bucket string
	Prefix string
	Log    *log.Logger
	// Limiter, if set, admits each S3 request.
	Limiter *rate.Limiter
}

// DefaultLimiter admits 100 requests per second, in bursts of 10.
func DefaultLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(10*time.Millisecond), 10)
}

func (s *Store) admit(ctx context.Context) error {
	if s.Limiter == nil {
		return nil
	}
	return s.Limiter.Wait(ctx)
}

func (s *Store) key(id digest.Digest) string {
	return path.Join(s.Prefix, buffersPath, id.String())
}

func (s *Store) url() string {
	return "s3://" + path.Join(s.Bucket, s.Prefix)
}

// GetBuffer retrieves the buffer named by a checksum. Missing buffers
// are reported as errors.CacheMiss.
func (s *Store) GetBuffer(ctx context.Context, id digest.Digest) ([]byte, error) {
	for retries := 0; ; retries++ {
		if err := s.admit(ctx); err != nil {
			return nil, errors.E("getbuffer", s.url(), id, errors.Canceled, err)
		}
		resp, err := s.Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.key(id)),
		})
		if err == nil {
			b, err := ioutil.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, errors.E("getbuffer", s.url(), id, err)
			}
			if got := cellgraph.ChecksumOf(b); got != id {
				return nil, errors.E("getbuffer", s.url(), id, errors.Integrity, errors.Errorf("checksum %v", got))
			}
			return b, nil
		}
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket:
				return nil, errors.E("getbuffer", s.url(), id, errors.CacheMiss, err)
			}
		}
		if werr := retry.Wait(ctx, retryPolicy, retries); werr != nil {
			return nil, errors.E("getbuffer", s.url(), id, err)
		}
	}
}

// PutBuffer uploads buffer b, returning its checksum.
func (s *Store) PutBuffer(ctx context.Context, b []byte) (digest.Digest, error) {
	id := cellgraph.ChecksumOf(b)
	for retries := 0; ; retries++ {
		if err := s.admit(ctx); err != nil {
			return digest.Digest{}, errors.E("putbuffer", s.url(), id, errors.Canceled, err)
		}
		_, err := s.Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.key(id)),
			Body:   bytes.NewReader(b),
		})
		if err == nil {
			return id, nil
		}
		if werr := retry.Wait(ctx, retryPolicy, retries); werr != nil {
			return digest.Digest{}, errors.E("putbuffer", s.url(), id, err)
		}
	}
}

// Collect removes buffers that are not in the liveset.
func (s *Store) Collect(ctx context.Context, live liveset.Liveset) error {
	var (
		token *string
		n     int
		size  int64
	)
	prefix := path.Join(s.Prefix, buffersPath) + "/"
	for {
		if err := s.admit(ctx); err != nil {
			return errors.E("collect", s.url(), errors.Canceled, err)
		}
		out, err := s.Client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return errors.E("collect", s.url(), err)
		}
		for _, obj := range out.Contents {
			key := aws.StringValue(obj.Key)
			id, err := cellgraph.Digester.Parse(strings.TrimPrefix(key, prefix))
			if err != nil {
				s.Log.Debugf("skipping %s: %v", key, err)
				continue
			}
			if live != nil && live.Contains(id) {
				continue
			}
			if _, err := s.Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.Bucket),
				Key:    obj.Key,
			}); err != nil {
				return errors.E("collect", s.url(), id, err)
			}
			n++
			size += aws.Int64Value(obj.Size)
		}
		if !aws.BoolValue(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	s.Log.Printf("collected %v buffers (%s) from %s", n, data.Size(size), s.url())
	return nil
}
