// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"flag"
	"fmt"
	"strconv"
	"time"
)

// Flag exposes a FlagSet that overrides a set of config keys: the
// provisioned keys in AllKeys, and the plain keys elision,
// bumpbudget, and equilibrate.
type Flag struct {
	Config

	vals map[string]*string
}

// Init initializes this Flag config with the provided flag set.
func (f *Flag) Init(flags *flag.FlagSet) {
	f.vals = make(map[string]*string)
	for _, key := range append(append([]string(nil), AllKeys...), Elision, BumpBudget, Equilibrate) {
		f.vals[key] = flags.String(key, "", fmt.Sprintf("override %s from config", key))
	}
}

func (f *Flag) override(key string) (string, bool) {
	s := f.vals[key]
	if s == nil || *s == "" {
		return "", false
	}
	return *s, true
}

// Value returns the flag override value for key key, or else the
// value from the layered configuration.
func (f *Flag) Value(key string) interface{} {
	if s, ok := f.override(key); ok {
		return s
	}
	return f.Config.Value(key)
}

// Elision returns the overridden elision setting, if any.
func (f *Flag) Elision() (bool, error) {
	if s, ok := f.override(Elision); ok {
		return strconv.ParseBool(s)
	}
	return f.Config.Elision()
}

// BumpBudget returns the overridden bump budget, if any.
func (f *Flag) BumpBudget() (int, error) {
	if s, ok := f.override(BumpBudget); ok {
		return strconv.Atoi(s)
	}
	return f.Config.BumpBudget()
}

// EquilibrateTimeout returns the overridden equilibration timeout,
// if any.
func (f *Flag) EquilibrateTimeout() (time.Duration, error) {
	if s, ok := f.override(Equilibrate); ok {
		return time.ParseDuration(s)
	}
	return f.Config.EquilibrateTimeout()
}
