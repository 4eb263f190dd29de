// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// Service is the minimal interface all services implement.
type Service interface {
	// Name returns the name of the service
	Name() string
}

// Initializer is implemented by services that need setup before running.
// Init is called before Run and is not required to be thread safe.
type Initializer interface {
	Service
	Init() error
}

// Runner is implemented by services with a blocking run loop.
type Runner interface {
	Service
	Run(ctx context.Context) error
}

// Shutdowner is implemented by services that hold resources to release.
type Shutdowner interface {
	Service
	Shutdown() error
}
