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
	"strings"
	"testing"

	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/cdromd/internal/controller"
	"github.com/alexandremahdhaoui/cdromd/internal/types"
)

func TestLocator(t *testing.T) {
	t.Run("CDROMSlotOf", func(t *testing.T) {
		t.Run("Found", func(t *testing.T) {
			f := newFixture(t)
			expected := f.guest(3, 7800, 4)
			f.xs.Set(f.layout.GuestBackendRoot(3)+"/not-a-vdev/device-type", types.DeviceTypeCDROM)

			slot, err := f.locator.CDROMSlotOf(f.ctx, 3)
			require.NoError(t, err)
			assert.Equal(t, expected, slot)
		})

		t.Run("FirstMatch", func(t *testing.T) {
			f := newFixture(t)
			f.guest(3, 7800, 4)
			f.xs.ProvisionCDROM(f.layout, types.Slot{DomID: 3, VDev: 5632}, 2)

			slot, err := f.locator.CDROMSlotOf(f.ctx, 3)
			require.NoError(t, err)
			assert.Equal(t, 5632, slot.VDev)
		})

		t.Run("NoBackendEntries", func(t *testing.T) {
			f := newFixture(t)

			_, err := f.locator.CDROMSlotOf(f.ctx, 3)
			assert.ErrorIs(t, err, controller.ErrSlotNotFound)
		})

		t.Run("NoCDROM", func(t *testing.T) {
			f := newFixture(t)
			f.xs.Set(f.layout.BackendAttr(types.Slot{DomID: 3, VDev: 768}, types.AttrDeviceType), "disk")

			_, err := f.locator.CDROMSlotOf(f.ctx, 3)
			assert.ErrorIs(t, err, controller.ErrSlotNotFound)
		})

		t.Run("LogsSkippedEntries", func(t *testing.T) {
			f := newFixture(t)
			f.xs.Set(f.layout.BackendAttr(types.Slot{DomID: 3, VDev: 5632}, types.AttrParams), "")
			f.xs.Set(f.layout.GuestBackendRoot(3)+"/not-a-vdev/device-type", types.DeviceTypeCDROM)

			var lines []string
			log := funcr.New(func(prefix, args string) {
				lines = append(lines, args)
			}, funcr.Options{Verbosity: 1})

			locator := controller.NewLocator(f.store, f.layout, log)

			_, err := locator.CDROMSlotOf(f.ctx, 3)
			assert.ErrorIs(t, err, controller.ErrSlotNotFound)

			out := strings.Join(lines, "\n")
			assert.Contains(t, out, `"msg"="skipping unreadable backend slot"`)
			assert.Contains(t, out, `"vdev"=5632`)
			assert.Contains(t, out, `"msg"="skipping backend entry"`)
			assert.Contains(t, out, `"entry"="not-a-vdev"`)
		})
	})

	t.Run("TapMinorOf", func(t *testing.T) {
		for _, tc := range []struct {
			name     string
			params   string
			expected int
		}{
			{name: "TapDeviceNode", params: "/dev/xen/blktap-2/tapdev4", expected: 4},
			{name: "TapDeviceNodeWithKind", params: "phy:/dev/xen/blktap-2/tapdev12", expected: 12},
			{name: "Ejected", params: "", expected: 4},
			{name: "ReloadedInPlace", params: "aio:/iso/b.iso", expected: 4},
		} {
			t.Run(tc.name, func(t *testing.T) {
				f := newFixture(t)
				slot := f.guest(3, 7800, 4)
				f.xs.Set(f.layout.BackendAttr(slot, types.AttrParams), tc.params)

				minor, err := f.locator.TapMinorOf(f.ctx, slot)
				require.NoError(t, err)
				assert.Equal(t, tc.expected, minor)
			})
		}

		t.Run("EmptyDrive", func(t *testing.T) {
			f := newFixture(t)
			slot := f.guest(3, 7800, -1)

			_, err := f.locator.TapMinorOf(f.ctx, slot)
			assert.ErrorIs(t, err, controller.ErrMinorNotFound)
		})

		t.Run("InvalidSlot", func(t *testing.T) {
			f := newFixture(t)

			_, err := f.locator.TapMinorOf(f.ctx, types.Slot{DomID: 3, VDev: 7800})
			assert.ErrorIs(t, err, controller.ErrMinorNotFound)
		})
	})

	t.Run("BoundMinorOf", func(t *testing.T) {
		t.Run("Bound", func(t *testing.T) {
			f := newFixture(t)
			slot := f.guest(3, 7800, 4)

			minor, err := f.locator.BoundMinorOf(f.ctx, slot)
			require.NoError(t, err)
			assert.Equal(t, 4, minor)
		})

		t.Run("Ejected", func(t *testing.T) {
			f := newFixture(t)
			slot := f.guest(3, 7800, 4)
			f.xs.Set(f.layout.BackendAttr(slot, types.AttrParams), "")
			f.xs.Set(f.layout.BackendAttr(slot, types.AttrType), "")

			_, err := f.locator.BoundMinorOf(f.ctx, slot)
			assert.ErrorIs(t, err, controller.ErrMinorNotFound)
		})
	})
}
