// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package testutil provides fakes of the buffer store, assoc, and
// code runner interfaces for use in tests.
package testutil
