//go:build unit

/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"github.com/alexandremahdhaoui/cdromd/internal/adapter"
	"github.com/alexandremahdhaoui/cdromd/internal/controller"
	"github.com/alexandremahdhaoui/cdromd/internal/types"
	"github.com/alexandremahdhaoui/cdromd/internal/util/fakes/storefake"
	"github.com/alexandremahdhaoui/cdromd/internal/util/fakes/tapfake"
)

type fixture struct {
	ctx    context.Context
	layout types.Layout

	xs   *storefake.Fake
	taps *tapfake.Fake

	store    adapter.Store
	tap      adapter.Tap
	locator  controller.Locator
	refs     controller.ReferenceCounter
	rebinder controller.Rebinder
	iso      controller.ISO
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	noClosingDriver bool
	closeTimeout    time.Duration
}

// withoutClosingDriver leaves slots closing forever.
func withoutClosingDriver() fixtureOption {
	return func(c *fixtureConfig) {
		c.noClosingDriver = true
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	cfg := fixtureConfig{closeTimeout: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}

	log := testr.New(t)
	f := &fixture{
		ctx:    context.Background(),
		layout: types.DefaultLayout(),
		xs:     storefake.New(),
		taps:   tapfake.New(),
	}

	if !cfg.noClosingDriver {
		f.xs.OnWrite(storefake.ClosingDriver(f.layout))
	}

	f.store = adapter.NewStore(f.xs, log)
	f.tap = adapter.NewTap(f.taps, log)
	f.locator = controller.NewLocator(f.store, f.layout, log)
	f.refs = controller.NewReferenceCounter(f.store, f.locator, f.layout, log)
	f.rebinder = controller.NewRebinder(f.store, f.layout, controller.RebindOptions{
		PollInterval: time.Millisecond,
		CloseTimeout: cfg.closeTimeout,
	}, log)
	f.iso = controller.NewISO(f.store, f.tap, f.locator, f.refs, f.rebinder, f.layout, log)

	return f
}

// guest provisions a guest with a hard disk and a CD-ROM slot bound to minor. A negative minor provisions an
// empty drive.
func (f *fixture) guest(domid, vdev, minor int) types.Slot {
	disk := types.Slot{DomID: domid, VDev: 768}
	f.xs.Set(f.layout.BackendAttr(disk, types.AttrDeviceType), "disk")
	f.xs.Set(f.layout.BackendAttr(disk, types.AttrParams), "/dev/mapper/disk")

	slot := types.Slot{DomID: domid, VDev: vdev}
	f.xs.ProvisionCDROM(f.layout, slot, minor)

	return slot
}

func (f *fixture) backend(slot types.Slot, attr string) string {
	v, _ := f.xs.Get(f.layout.BackendAttr(slot, attr))
	return v
}

func (f *fixture) frontend(slot types.Slot, attr string) string {
	v, _ := f.xs.Get(f.layout.FrontendAttr(slot, attr))
	return v
}
