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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/cdromd/internal/controller"
	"github.com/alexandremahdhaoui/cdromd/internal/types"
	"github.com/alexandremahdhaoui/cdromd/internal/util/fakes/storefake"
	"github.com/alexandremahdhaoui/cdromd/pkg/xenstore"
)

func TestRebinder(t *testing.T) {
	t.Run("Rebind", func(t *testing.T) {
		f := newFixture(t)
		slot := f.guest(3, 7800, 4)
		f.xs.Set(f.layout.BackendAttr(slot, "stale"), "x")

		require.NoError(t, f.rebinder.Rebind(f.ctx, slot, 5, "aio:/iso/c.iso"))

		for attr, expected := range map[string]string{
			types.AttrParams:         "/dev/xen/blktap-2/tapdev5",
			types.AttrType:           "phy",
			types.AttrPhysicalDevice: "fe:5",
			types.AttrFrontend:       "/local/domain/3/device/vbd/7800",
			types.AttrDeviceType:     "cdrom",
			types.AttrOnline:         "1",
			types.AttrState:          "1",
			types.AttrRemovable:      "1",
			types.AttrMode:           "r",
			types.AttrFrontendID:     "3",
			types.AttrDev:            "hdc",
			types.AttrTapdiskParams:  "aio:/iso/c.iso",
		} {
			assert.Equal(t, expected, f.backend(slot, attr), attr)
		}

		for attr, expected := range map[string]string{
			types.AttrState:         "1",
			types.AttrBackendID:     "0",
			types.AttrBackend:       "/local/domain/0/backend/vbd/3/7800",
			types.AttrVirtualDevice: "7800",
			types.AttrDeviceType:    "cdrom",
			types.AttrBackendUUID:   "00000000-0000-0000-0000-000000000000",
		} {
			assert.Equal(t, expected, f.frontend(slot, attr), attr)
		}

		_, ok := f.xs.Get(f.layout.BackendAttr(slot, "stale"))
		assert.False(t, ok, "backend subtree is recreated from scratch")

		assert.Equal(t, []xenstore.Permission{
			{DomID: 0, Access: xenstore.AccessNone},
			{DomID: 3, Access: xenstore.AccessRead},
		}, f.xs.Permissions(f.layout.BackendPath(slot)))
		assert.Equal(t, []xenstore.Permission{
			{DomID: 3, Access: xenstore.AccessNone},
			{DomID: 0, Access: xenstore.AccessRead},
		}, f.xs.Permissions(f.layout.FrontendPath(slot)))
	})

	t.Run("MissingStateCountsAsClosed", func(t *testing.T) {
		f := newFixture(t, withoutClosingDriver())
		slot := f.guest(3, 7800, 4)
		require.NoError(t, f.xs.Remove(xenstore.NoTx, f.layout.FrontendPath(slot)))
		f.xs.OnWrite(func(fk *storefake.Fake, p, value string) {
			if p == f.layout.BackendAttr(slot, types.AttrState) && value == "5" {
				fk.Set(p, "6")
			}
		})

		require.NoError(t, f.rebinder.Rebind(f.ctx, slot, 5, "aio:/iso/c.iso"))
		assert.Equal(t, "1", f.frontend(slot, types.AttrState))
	})

	t.Run("CloseTimeout", func(t *testing.T) {
		f := newFixture(t, withoutClosingDriver())
		slot := f.guest(3, 7800, 4)

		err := f.rebinder.Rebind(f.ctx, slot, 5, "aio:/iso/c.iso")
		assert.ErrorIs(t, err, controller.ErrCloseTimeout)
		assert.ErrorIs(t, err, controller.ErrRebind)

		// The slot is left closing.
		assert.Equal(t, "5", f.backend(slot, types.AttrState))
		assert.Equal(t, "0", f.backend(slot, types.AttrOnline))
		assert.Equal(t, "/dev/xen/blktap-2/tapdev4", f.backend(slot, types.AttrParams))
	})

	t.Run("Cancelled", func(t *testing.T) {
		f := newFixture(t, withoutClosingDriver(), func(c *fixtureConfig) { c.closeTimeout = time.Minute })
		slot := f.guest(3, 7800, 4)

		ctx, cancel := context.WithTimeout(f.ctx, 20*time.Millisecond)
		defer cancel()

		err := f.rebinder.Rebind(ctx, slot, 5, "aio:/iso/c.iso")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, controller.ErrCloseTimeout)
	})

	t.Run("RetriesConflictingSteps", func(t *testing.T) {
		f := newFixture(t)
		slot := f.guest(3, 7800, 4)
		f.xs.FailNextCommits(2)

		require.NoError(t, f.rebinder.Rebind(f.ctx, slot, 5, "aio:/iso/c.iso"))
		assert.Equal(t, 2, f.xs.Retried())
		assert.Equal(t, "fe:5", f.backend(slot, types.AttrPhysicalDevice))
	})
}
