// Copyright (C) 2019-2024, Lux Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package log re-exports github.com/luxfi/log's Logger interface so
// every component in this module takes a single, consistent logger
// type without importing the upstream package directly, following
// log/noop.go's re-export idiom.
package log

import "github.com/luxfi/log"

// Logger is the structured logger every component accepts.
type Logger = log.Logger

// NoOp returns a Logger that discards everything, for tests and
// components constructed without an explicit logger.
func NoOp() Logger {
	return log.NewNoOpLogger()
}
