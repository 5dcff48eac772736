// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package config defines an interface for configuring a cellgraph
// engine. This interface can be composed in multiple ways, allowing
// for layered configuration.
//
// A configuration is a set of keys (corresponding to toplevel keys
// in a YAML document). A subset of keys, defined by the package's
// AllKeys, correspond to objects that are configured by the Config
// interface. These keys are provisioned by globally registered
// providers; the keys must be string formatted, and contain the
// (registered) name of the provider, followed by an optional comma
// and string argument. For example:
//
//	buffers: s3,bucket/prefix
//
// configures the buffers key (corresponding to Config.Buffers) using
// the s3 provider; the argument "bucket/prefix" is used to configure
// it. Providers may themselves rely on keys provisioned earlier: the
// s3 provider uses the AWS session provided by the aws key.
//
// Metrics are collected in a Prometheus registry, optionally served
// over HTTP at the given address:
//
//	metrics: prometheus,:9100
//
// Trace events are written in the Chrome tracing format to a local
// file when the engine is closed:
//
//	tracer: local,/tmp/cellgraph.trace
//
// The remaining keys are plain values:
//
//	elision: true
//	bumpbudget: 3
//	equilibrate: 30s
package config

import (
	"fmt"
	"io/ioutil"
	golog "log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/assoc"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/kernel"
	"github.com/grailbio/cellgraph/log"
	"github.com/grailbio/cellgraph/metrics"
	"github.com/grailbio/cellgraph/trace"
	yaml "gopkg.in/yaml.v2"
)

// The following are the set of keys provisioned by Config.
const (
	Logger  = "logger"
	Metrics = "metrics"
	Tracer  = "tracer"
	AWS     = "aws"
	Assoc   = "assoc"
	Buffers = "buffers"
)

// The following are plain keys.
const (
	Elision     = "elision"
	BumpBudget  = "bumpbudget"
	Equilibrate = "equilibrate"
	AWSRegion   = "awsregion"
)

// AllKeys defines the order in which configuration keys are
// provisioned. Thus, providers for keys later in the list may use
// configuration provided by providers for keys earlier in the list.
var AllKeys = []string{
	Logger,
	Metrics,
	Tracer,
	AWS,
	Assoc,
	Buffers,
}

// Keys is a map of string keys to configuration values.
type Keys map[string]interface{}

// A Config provides a number of methods to mint new objects that are
// used by a cellgraph engine. It is safe to call each method multiple
// times, but they should not be called concurrently.
type Config interface {
	// Logger returns the configured logger.
	Logger() (*log.Logger, error)

	// Metrics returns the configured metrics client. A nil client
	// disables metrics.
	Metrics() (metrics.Client, error)

	// Tracer returns the configured tracer. A nil tracer disables
	// tracing.
	Tracer() (trace.Tracer, error)

	// AWS returns this configuration's AWS session.
	AWS() (*session.Session, error)

	// AWSRegion returns the region to be used for all AWS operations.
	AWSRegion() (string, error)

	// Assoc returns this configuration's assoc, which persists the
	// elision cache. A nil assoc selects an in-memory one.
	Assoc() (assoc.Assoc, error)

	// Buffers returns this configuration's buffer store. A nil store
	// selects an in-memory one.
	Buffers() (cellgraph.BufferStore, error)

	// Elision tells whether macro elision is enabled.
	Elision() (bool, error)

	// BumpBudget returns the registrar bump budget of worker kernels.
	BumpBudget() (int, error)

	// EquilibrateTimeout returns the default equilibration timeout;
	// zero means no timeout.
	EquilibrateTimeout() (time.Duration, error)

	// Value returns the value of the given key.
	Value(key string) interface{}

	// Marshal marshals the current configuration into keys.
	Marshal(keys Keys) error

	// Keys returns all the keys as defined by this config.
	Keys() Keys
}

// Base defines a base configuration with reasonable defaults
// where they apply.
type Base Keys

// Logger returns a logger that outputs to standard error.
func (b Base) Logger() (*log.Logger, error) {
	return log.New(golog.New(os.Stderr, "", golog.LstdFlags), log.InfoLevel), nil
}

// Metrics returns a nil client.
func (b Base) Metrics() (metrics.Client, error) {
	return nil, nil
}

// Tracer returns a nil tracer.
func (b Base) Tracer() (trace.Tracer, error) {
	return nil, nil
}

// AWS returns an error indicating no AWS session was configured.
func (b Base) AWS() (*session.Session, error) {
	return nil, errors.E("aws", errors.NotExist, errors.New("AWS session not configured"))
}

// AWSRegion returns the region in the key "awsregion", or else
// the default region us-west-2.
func (b Base) AWSRegion() (string, error) {
	v, ok := b[AWSRegion]
	if !ok {
		return "us-west-2", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("invalid AWS region value: %v", v)
	}
	return s, nil
}

// Assoc returns a nil assoc.
func (b Base) Assoc() (assoc.Assoc, error) {
	return nil, nil
}

// Buffers returns a nil buffer store.
func (b Base) Buffers() (cellgraph.BufferStore, error) {
	return nil, nil
}

// Elision returns the value of the key "elision", false by default.
func (b Base) Elision() (bool, error) {
	switch v := b[Elision].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("invalid elision value: %v", v)
	}
}

// BumpBudget returns the value of the key "bumpbudget", or else
// kernel.DefaultBumpBudget.
func (b Base) BumpBudget() (int, error) {
	switch v := b[BumpBudget].(type) {
	case nil:
		return kernel.DefaultBumpBudget, nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("negative bump budget %d", v)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("invalid bump budget value: %v", v)
	}
}

// EquilibrateTimeout returns the duration in the key "equilibrate",
// or zero.
func (b Base) EquilibrateTimeout() (time.Duration, error) {
	switch v := b[Equilibrate].(type) {
	case nil:
		return 0, nil
	case string:
		return time.ParseDuration(v)
	case int:
		return time.Duration(v) * time.Second, nil
	default:
		return 0, fmt.Errorf("invalid equilibrate value: %v", v)
	}
}

// Keys returns the configured keys.
func (b Base) Keys() Keys {
	return Keys(b)
}

// Value returns the value for the provided key.
func (b Base) Value(key string) interface{} {
	return b[key]
}

// Marshal populates the provided key dictionary with the keys
// present in this configuration.
func (b Base) Marshal(keys Keys) error {
	for k, v := range b {
		keys[k] = v
	}
	return nil
}

// Unmarshal unmarshals the (YAML-configured) configuration in b into
// keys.
func Unmarshal(b []byte, keys Keys) error {
	return yaml.Unmarshal(b, keys)
}

// Marshal marshals the given keys into YAML-formatted bytes.
func Marshal(cfg Config) ([]byte, error) {
	keys := make(Keys)
	if err := cfg.Marshal(keys); err != nil {
		return nil, err
	}
	return yaml.Marshal(keys)
}

// Make evaluates a config's keys: for each key in AllKeys (and in
// the order defined by AllKeys), Make parses its provider, and
// provisions the key accordingly. Make returns errors if a provider
// cannot be found or if the provider fails to configure the given
// key.
func Make(cfg Config) (Config, error) {
	for _, key := range AllKeys {
		v := cfg.Value(key)
		if v == nil {
			continue
		}
		vstr, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string for key %s, got %T", key, v)
		}
		name, arg := peel(vstr, ",")
		provider, ok := Lookup(key, name)
		if !ok {
			return nil, fmt.Errorf("provider %s not defined for key %s", name, key)
		}
		var err error
		cfg, err = provider.Configure(cfg, arg)
		if err != nil {
			return nil, fmt.Errorf("configuring key %s with provider %s: %v", key, name, err)
		}
	}
	return cfg, nil
}

// Parse parses and provisions a configuration from the
// YAML-formatted bytes b.
func Parse(b []byte) (Config, error) {
	base := make(Base)
	if err := Unmarshal(b, Keys(base)); err != nil {
		return nil, err
	}
	return Make(base)
}

// ParseFile reads and then parses the configuration from the
// provided filename.
func ParseFile(filename string) (Config, error) {
	b, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// A Provider provisions a single key in a configuration. Providers
// must be registered via the package's Register function.
type Provider struct {
	Configure        func(cfg Config, arg string) (Config, error)
	Kind, Arg, Usage string
}

var (
	providers = make(map[string]map[string]Provider)
	mu        sync.Mutex
)

// Register the configuration provider kind for the given key. The
// arg and usage string should describe the provider's argument.
// Register panics if the key is not one of AllKeys, or if the kind
// is already registered for the key.
func Register(key, kind, arg, usage string, configure func(Config, string) (Config, error)) {
	var known bool
	for _, k := range AllKeys {
		known = known || k == key
	}
	if !known {
		panic(fmt.Sprintf("key %s is not provisioned", key))
	}
	mu.Lock()
	defer mu.Unlock()
	kindmap := providers[key]
	if kindmap == nil {
		kindmap = make(map[string]Provider)
		providers[key] = kindmap
	}
	if _, ok := kindmap[kind]; ok {
		panic(fmt.Sprintf("provider %s already registered for key %s", kind, key))
	}
	kindmap[kind] = Provider{
		Configure: configure,
		Kind:      kind,
		Arg:       arg,
		Usage:     usage,
	}
}

// Lookup returns the Provider of kind for key.
func Lookup(key, kind string) (Provider, bool) {
	mu.Lock()
	defer mu.Unlock()
	p, ok := providers[key][kind]
	return p, ok
}

// Usage contains usage information for a provider.
type Usage struct {
	Kind, Arg, Usage string
}

// Help returns Usages, organized by key.
func Help() map[string][]Usage {
	mu.Lock()
	defer mu.Unlock()
	help := make(map[string][]Usage)
	for key, keyProviders := range providers {
		var usages []Usage
		for name, provider := range keyProviders {
			usages = append(usages, Usage{
				Kind:  name,
				Arg:   provider.Arg,
				Usage: provider.Usage,
			})
		}
		help[key] = usages
	}
	return help
}

func peel(s, sep string) (head, tail string) {
	switch parts := strings.SplitN(s, sep, 2); len(parts) {
	case 1:
		return parts[0], ""
	case 2:
		return parts[0], parts[1]
	default:
		panic("bug")
	}
}
