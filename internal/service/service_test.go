// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	name string

	initErr error
	runErr  error

	initCalled     bool
	runCalled      bool
	shutdownCalled bool
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Init() error {
	f.initCalled = true
	return f.initErr
}

func (f *fakeService) Run(ctx context.Context) error {
	f.runCalled = true
	if f.runErr != nil {
		return f.runErr
	}
	<-ctx.Done()
	return nil
}

func (f *fakeService) Shutdown() error {
	f.shutdownCalled = true
	return nil
}

// nameOnly implements none of the optional interfaces.
type nameOnly struct{}

func (nameOnly) Name() string { return "name-only" }

func TestInitAll(t *testing.T) {
	a := &fakeService{name: "a"}
	b := &fakeService{name: "b"}

	err := Init(nil, []Service{a, nameOnly{}, b})
	require.NoError(t, err)
	assert.True(t, a.initCalled)
	assert.True(t, b.initCalled)
}

func TestInitRollsBackOnFailure(t *testing.T) {
	a := &fakeService{name: "a"}
	b := &fakeService{name: "b", initErr: errors.New("boom")}
	c := &fakeService{name: "c"}

	err := Init(nil, []Service{a, b, c})
	require.Error(t, err)
	assert.ErrorContains(t, err, "b")

	// a was initialized before the failure and must be shut down; c never ran
	assert.True(t, a.shutdownCalled)
	assert.False(t, c.initCalled)
	assert.False(t, b.shutdownCalled)
}

func TestRunStopsAllWhenOneFails(t *testing.T) {
	a := &fakeService{name: "a"}
	b := &fakeService{name: "b", runErr: errors.New("crashed")}

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), nil, []Service{a, b})
	}()

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "crashed")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not terminate")
	}
	assert.True(t, a.shutdownCalled)
}

func TestRunHonorsContextCancel(t *testing.T) {
	a := &fakeService{name: "a"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, nil, []Service{a})
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not terminate on cancel")
	}
}
