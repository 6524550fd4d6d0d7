// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"io"

	"github.com/cockroachdb/hummock/internal/base"
	"github.com/sirupsen/logrus"
)

// loggers hands out component loggers sharing one logrus logger.
type loggers struct {
	root *logrus.Logger
}

func newLoggers(w io.Writer, verbose bool) loggers {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.WarnLevel)
	}
	return loggers{root: l}
}

// For returns the logger of a component. Entries carry a component field.
func (l loggers) For(component string) base.Logger {
	return l.root.WithField("component", component)
}
