// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package automaxprocs sets GOMAXPROCS to match the calling process's
// cgroup CPU quota on import, logging the outcome through tailtype's own
// facility logger instead of automaxprocs' default stdlib logger. Demo
// and host binaries blank-import this package for the side effect.
package automaxprocs

import (
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/fieldstream/tailtype/internal/logger"
)

var l = logger.Default.NewFacility("automaxprocs", "GOMAXPROCS tuning for cgroup CPU quotas")

func init() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		l.Infof(format, args...)
	})); err != nil {
		l.Warnf("leaving GOMAXPROCS untouched: %v", err)
	}
}
