// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package awsenvconfig configures AWS sessions to be derived from
// the user's environment in accordance with the AWS SDK.
package awsenvconfig

import (
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/cellgraph/config"
)

func init() {
	config.Register(config.AWS, "env", "", "configure AWS credentials from the user's environment",
		func(cfg config.Config, arg string) (config.Config, error) {
			return &envSession{Config: cfg}, nil
		},
	)
}

// envSession derives an AWS session from the environment variables and
// the shared credentials file. The region is taken from the
// configuration's awsregion key.
type envSession struct {
	config.Config
	once    sync.Once
	session *session.Session
	err     error
}

func (s *envSession) AWS() (*session.Session, error) {
	s.once.Do(func() {
		provider := &credentials.ChainProvider{
			VerboseErrors: true,
			Providers: []credentials.Provider{
				&credentials.EnvProvider{},
				&credentials.SharedCredentialsProvider{},
			},
		}
		if _, err := provider.Retrieve(); err != nil {
			s.err = fmt.Errorf("cannot retrieve AWS credentials: %v", err)
			return
		}
		region, err := s.AWSRegion()
		if err != nil {
			s.err = err
			return
		}
		s.session, s.err = session.NewSession(&aws.Config{
			Credentials: credentials.NewCredentials(provider),
			Region:      aws.String(region),
		})
	})
	return s.session, s.err
}
