// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package s3config defines a configuration provider named "s3"
// which can be used to configure S3-based buffer stores.
package s3config

import (
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/buffer"
	"github.com/grailbio/cellgraph/buffer/membuf"
	"github.com/grailbio/cellgraph/buffer/s3buf"
	"github.com/grailbio/cellgraph/config"
)

func init() {
	config.Register(config.Buffers, "s3", "bucket[/prefix]", "configure a buffer store in an S3 bucket, read through an in-memory store",
		func(cfg config.Config, arg string) (config.Config, error) {
			if arg == "" {
				return nil, errors.New("bucket name not provided")
			}
			bucket, prefix := arg, ""
			if i := strings.IndexByte(arg, '/'); i >= 0 {
				bucket, prefix = arg[:i], arg[i+1:]
			}
			return &Buffers{Config: cfg, Bucket: bucket, Prefix: prefix}, nil
		},
	)
}

// Buffers is an S3-based buffer store configuration provider.
type Buffers struct {
	config.Config
	Bucket, Prefix string
}

// Buffers returns a tiered store: an in-memory store over the
// configured S3 location.
func (b *Buffers) Buffers() (cellgraph.BufferStore, error) {
	sess, err := b.AWS()
	if err != nil {
		return nil, err
	}
	log, err := b.Logger()
	if err != nil {
		return nil, err
	}
	near, err := membuf.New(0)
	if err != nil {
		return nil, err
	}
	far := &s3buf.Store{
		Client:  s3.New(sess),
		Bucket:  b.Bucket,
		Prefix:  b.Prefix,
		Log:     log,
		Limiter: s3buf.DefaultLimiter(),
	}
	return &buffer.Tiered{Near: near, Far: far}, nil
}
