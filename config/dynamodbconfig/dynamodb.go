// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dynamodbconfig defines a configuration provider named
// "dynamodb" which persists the elision cache's assoc in a DynamoDB
// table.
package dynamodbconfig

import (
	"errors"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/grailbio/cellgraph/assoc"
	"github.com/grailbio/cellgraph/assoc/dydbassoc"
	"github.com/grailbio/cellgraph/config"
)

// DefaultConcurrency is the default number of concurrent requests
// issued to the table.
const DefaultConcurrency = 64

func init() {
	config.Register(config.Assoc, "dynamodb", "table[,concurrency]", "configure an assoc using the provided DynamoDB table name",
		func(cfg config.Config, arg string) (config.Config, error) {
			parts := strings.Split(arg, ",")
			if parts[0] == "" {
				return nil, errors.New("table name not provided")
			}
			a := &Assoc{Config: cfg, Table: parts[0], Concurrency: DefaultConcurrency}
			switch len(parts) {
			case 1:
			case 2:
				n, err := strconv.Atoi(parts[1])
				if err != nil {
					return nil, err
				}
				a.Concurrency = n
			default:
				return nil, errors.New("too many arguments")
			}
			return a, nil
		},
	)
}

// Assoc is a dynamodb-based assoc configuration provider.
type Assoc struct {
	config.Config
	Table       string
	Concurrency int
}

// Assoc returns a new dynamodb-backed assoc, as configured.
func (a *Assoc) Assoc() (assoc.Assoc, error) {
	sess, err := a.AWS()
	if err != nil {
		return nil, err
	}
	return dydbassoc.New(dynamodb.New(sess), a.Table, a.Concurrency), nil
}
