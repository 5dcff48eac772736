// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dydbassoc implements an assoc.Assoc based on AWS's
// DynamoDB. It lets several engines share one elision cache.
package dydbassoc

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/grailbio/base/digest"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/assoc"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/log"
)

// Assoc implements a DynamoDB-backed Assoc. Each association entry
// is represented by a DynamoDB item with the attributes "ID", "Kind",
// and "Value".
type Assoc struct {
	DB        dynamodbiface.DynamoDBAPI
	Limiter   *limiter.Limiter
	TableName string
}

// New returns a new Assoc using the provided table, permitting at
// most n concurrent requests.
func New(db dynamodbiface.DynamoDBAPI, table string, n int) *Assoc {
	lim := limiter.New()
	lim.Release(n)
	return &Assoc{DB: db, Limiter: lim, TableName: table}
}

func itemID(kind assoc.Kind, k digest.Digest) string {
	return fmt.Sprintf("%d:%s", kind, k)
}

// Put associates the digest v with the key digest k in the dynamodb
// table. DynamoDB conditional expressions are used to implement
// compare-and-swap when expect is nonzero.
func (a *Assoc) Put(ctx context.Context, kind assoc.Kind, expect, k, v digest.Digest) error {
	if err := a.Limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer a.Limiter.Release(1)
	var (
		conditionExpression       *string
		expressionAttributeValues map[string]*dynamodb.AttributeValue
	)
	if !expect.IsZero() {
		conditionExpression = aws.String("#V = :expect")
		expressionAttributeValues = map[string]*dynamodb.AttributeValue{
			":expect": {S: aws.String(expect.String())},
		}
	}
	var names map[string]*string
	if conditionExpression != nil {
		names = map[string]*string{"#V": aws.String("Value")}
	}
	key := map[string]*dynamodb.AttributeValue{
		"ID": {S: aws.String(itemID(kind, k))},
	}
	var err error
	if v.IsZero() {
		_, err = a.DB.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
			ConditionExpression:       conditionExpression,
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: expressionAttributeValues,
			Key:                       key,
			TableName:                 aws.String(a.TableName),
		})
	} else {
		_, err = a.DB.PutItemWithContext(ctx, &dynamodb.PutItemInput{
			ConditionExpression:       conditionExpression,
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: expressionAttributeValues,
			Item: map[string]*dynamodb.AttributeValue{
				"ID":             key["ID"],
				"Kind":           {N: aws.String(fmt.Sprint(int(kind)))},
				"Key":            {S: aws.String(k.String())},
				"Value":          {S: aws.String(v.String())},
				"LastAccessTime": {N: aws.String(fmt.Sprint(time.Now().Unix()))},
			},
			TableName: aws.String(a.TableName),
		})
	}
	if err == nil {
		return nil
	}
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
		return errors.E("put", k, errors.Precondition, err)
	}
	return errors.E("put", k, err)
}

// Get returns the digest associated with key digest k. Get returns
// an error flagged errors.NotExist when no such mapping exists. Get
// also modifies the item's last-accessed time, which can be used for
// LRU garbage collection of the table.
func (a *Assoc) Get(ctx context.Context, kind assoc.Kind, k digest.Digest) (digest.Digest, error) {
	var v digest.Digest
	if err := a.Limiter.Acquire(ctx, 1); err != nil {
		return v, err
	}
	defer a.Limiter.Release(1)
	key := map[string]*dynamodb.AttributeValue{
		"ID": {S: aws.String(itemID(kind, k))},
	}
	resp, err := a.DB.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		Key:       key,
		TableName: aws.String(a.TableName),
	})
	if err != nil {
		return v, errors.E("get", k, err)
	}
	item := resp.Item["Value"]
	if item == nil || item.S == nil {
		return v, errors.E("get", k, errors.NotExist)
	}
	v, err = cellgraph.Digester.Parse(*item.S)
	if err != nil {
		return v, errors.E("get", k, errors.Integrity, err)
	}
	_, err = a.DB.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		Key:              key,
		TableName:        aws.String(a.TableName),
		UpdateExpression: aws.String("SET LastAccessTime = :time ADD AccessCount :one"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":time": {N: aws.String(fmt.Sprint(time.Now().Unix()))},
			":one":  {N: aws.String("1")},
		},
	})
	if err != nil && err != ctx.Err() {
		// The SDK reports context cancellation with its own error code.
		if aerr, ok := err.(awserr.Error); !ok || aerr.Code() != "RequestCanceled" {
			log.Errorf("dynamodb: update %v: %v", k, err)
		}
	}
	return v, nil
}

// Scan calls fn for every mapping of the provided kind in the table.
func (a *Assoc) Scan(ctx context.Context, kind assoc.Kind, fn func(k, v digest.Digest) error) error {
	var ferr error
	err := a.DB.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(a.TableName),
		FilterExpression: aws.String("#K = :kind"),
		ExpressionAttributeNames: map[string]*string{
			"#K": aws.String("Kind"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":kind": {N: aws.String(fmt.Sprint(int(kind)))},
		},
	}, func(out *dynamodb.ScanOutput, last bool) bool {
		for _, item := range out.Items {
			if item["Key"] == nil || item["Value"] == nil || item["Key"].S == nil || item["Value"].S == nil {
				continue
			}
			k, err := cellgraph.Digester.Parse(*item["Key"].S)
			if err != nil {
				log.Debugf("invalid dynamodb entry %v", item)
				continue
			}
			v, err := cellgraph.Digester.Parse(*item["Value"].S)
			if err != nil {
				log.Debugf("invalid dynamodb entry %v", item)
				continue
			}
			if ferr = fn(k, v); ferr != nil {
				return false
			}
		}
		return true
	})
	if ferr != nil {
		return ferr
	}
	return err
}
