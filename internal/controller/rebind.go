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

package controller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/alexandremahdhaoui/cdromd/internal/adapter"
	"github.com/alexandremahdhaoui/cdromd/internal/types"
	"github.com/alexandremahdhaoui/cdromd/internal/util/metrics"
	"github.com/alexandremahdhaoui/cdromd/pkg/xenstore"
)

var (
	ErrRebind       = errors.New("rebinding cdrom slot")
	ErrCloseTimeout = errors.New("timed out waiting for cdrom slot to close")

	errRequestClose = errors.New("requesting slot close")
	errAwaitClosed  = errors.New("awaiting slot closed")
	errRemoveSlot   = errors.New("removing slot")
	errRecreateSlot = errors.New("recreating slot")
)

const (
	DefaultPollInterval = time.Second
	DefaultCloseTimeout = 30 * time.Second
)

// ---------------------------------------------------- INTERFACES -------------------------------------------------- //

// Rebinder tears a CD-ROM slot down and recreates it bound to another tap device.
type Rebinder interface {
	// Rebind binds the slot to the tap device with the given minor, serving the image described by descriptor.
	Rebind(ctx context.Context, slot types.Slot, minor int, descriptor string) error
}

// RebindOptions bound the close handshake of a rebind.
type RebindOptions struct {
	// PollInterval is the time between two reads of the slot states.
	PollInterval time.Duration
	// CloseTimeout is how long both ends of the slot are given to report closed.
	CloseTimeout time.Duration
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewRebinder returns a new Rebinder.
func NewRebinder(store adapter.Store, layout types.Layout, opts RebindOptions, log logr.Logger) Rebinder {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}

	return &rebinder{
		store:  store,
		layout: layout,
		opts:   opts,
		log:    log,
	}
}

// ------------------------------------------------------ REBINDER -------------------------------------------------- //

type rebinder struct {
	store  adapter.Store
	layout types.Layout
	opts   RebindOptions
	log    logr.Logger
}

// Rebind walks the slot through BOUND -> CLOSING -> CLOSED -> REBOUND. Each step is its own transaction.
func (r *rebinder) Rebind(ctx context.Context, slot types.Slot, minor int, descriptor string) error {
	log := r.log.WithValues("domid", slot.DomID, "vdev", slot.VDev, "minor", minor)
	start := time.Now()

	defer func() {
		metrics.RebindDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	// 1. CLOSING
	if err := r.requestClose(ctx, slot); err != nil {
		return errors.Join(err, errRequestClose, ErrRebind)
	}

	log.V(1).Info("requested slot close")

	// 2. CLOSED
	if err := r.awaitClosed(ctx, slot); err != nil {
		return errors.Join(err, errAwaitClosed, ErrRebind)
	}

	log.V(1).Info("slot closed")

	// 3. Remove both ends.
	if err := r.remove(ctx, slot); err != nil {
		return errors.Join(err, errRemoveSlot, ErrRebind)
	}

	// 4. REBOUND
	if err := r.recreate(ctx, slot, minor, descriptor); err != nil {
		return errors.Join(err, errRecreateSlot, ErrRebind)
	}

	log.Info("rebound cdrom slot", "descriptor", descriptor, "duration", time.Since(start).String())

	return nil
}

func (r *rebinder) requestClose(ctx context.Context, slot types.Slot) error {
	return r.store.Transact(ctx, func(tx adapter.Txn) error {
		if err := tx.Write(r.layout.BackendAttr(slot, types.AttrOnline), "0"); err != nil {
			return err
		}

		return tx.Write(r.layout.BackendAttr(slot, types.AttrState), types.XenbusStateClosing.String())
	})
}

func (r *rebinder) awaitClosed(ctx context.Context, slot types.Slot) error {
	paths := []string{
		r.layout.BackendAttr(slot, types.AttrState),
		r.layout.FrontendAttr(slot, types.AttrState),
	}

	err := wait.PollUntilContextTimeout(ctx, r.opts.PollInterval, r.opts.CloseTimeout, true,
		func(ctx context.Context) (bool, error) {
			for _, p := range paths {
				closed, err := r.closed(ctx, p)
				if err != nil {
					r.log.V(1).Info("reading slot state", "path", p, "error", err.Error())
					return false, nil
				}

				if !closed {
					return false, nil
				}
			}

			return true, nil
		})
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return errors.Join(err, fmt.Errorf("%w: domid %d vdev %d after %s",
		ErrCloseTimeout, slot.DomID, slot.VDev, r.opts.CloseTimeout))
}

// closed reports whether the state node reads closed. A node that does not exist is closed.
func (r *rebinder) closed(ctx context.Context, p string) (bool, error) {
	v, err := r.store.Read(ctx, p)
	if errors.Is(err, xenstore.ErrNotFound) {
		return true, nil
	} else if err != nil {
		return false, err
	}

	state, err := types.ParseXenbusState(v)
	if err != nil {
		return false, err
	}

	return state == types.XenbusStateClosed, nil
}

func (r *rebinder) remove(ctx context.Context, slot types.Slot) error {
	return r.store.Transact(ctx, func(tx adapter.Txn) error {
		for _, p := range []string{r.layout.BackendPath(slot), r.layout.FrontendPath(slot)} {
			if err := tx.Remove(p); err != nil && !errors.Is(err, xenstore.ErrNotFound) {
				return err
			}
		}

		return nil
	})
}

func (r *rebinder) recreate(ctx context.Context, slot types.Slot, minor int, descriptor string) error {
	backendID := r.layout.BackendDomID
	backend := r.layout.BackendPath(slot)
	frontend := r.layout.FrontendPath(slot)

	backendAttrs := []attr{
		{types.AttrParams, types.TapDevicePath(minor)},
		{types.AttrType, types.BackendTypePhy},
		{types.AttrPhysicalDevice, types.PhysicalDevice(minor)},
		{types.AttrFrontend, frontend},
		{types.AttrDeviceType, types.DeviceTypeCDROM},
		{types.AttrOnline, "1"},
		{types.AttrState, types.XenbusStateInitialising.String()},
		{types.AttrRemovable, "1"},
		{types.AttrMode, types.ModeReadOnly},
		{types.AttrFrontendID, strconv.Itoa(slot.DomID)},
		{types.AttrDev, types.EmulatedDev},
		{types.AttrTapdiskParams, descriptor},
	}

	frontendAttrs := []attr{
		{types.AttrState, types.XenbusStateInitialising.String()},
		{types.AttrBackendID, strconv.Itoa(backendID)},
		{types.AttrBackend, backend},
		{types.AttrVirtualDevice, strconv.Itoa(slot.VDev)},
		{types.AttrDeviceType, types.DeviceTypeCDROM},
		{types.AttrBackendUUID, uuid.Nil.String()},
	}

	return r.store.Transact(ctx, func(tx adapter.Txn) error {
		if err := mkdirOwned(tx, backend, backendID, slot.DomID); err != nil {
			return err
		}

		if err := writeAttrs(tx, backend, backendAttrs); err != nil {
			return err
		}

		if err := mkdirOwned(tx, frontend, slot.DomID, backendID); err != nil {
			return err
		}

		return writeAttrs(tx, frontend, frontendAttrs)
	})
}

type attr struct {
	name  string
	value string
}

func writeAttrs(tx adapter.Txn, dir string, attrs []attr) error {
	for _, a := range attrs {
		if err := tx.Write(dir+"/"+a.name, a.value); err != nil {
			return err
		}
	}

	return nil
}

// mkdirOwned creates dir owned by owner, readable by reader and by nobody else.
func mkdirOwned(tx adapter.Txn, dir string, owner, reader int) error {
	if err := tx.Mkdir(dir); err != nil {
		return err
	}

	return tx.SetPermissions(dir,
		xenstore.Permission{DomID: owner, Access: xenstore.AccessNone},
		xenstore.Permission{DomID: reader, Access: xenstore.AccessRead},
	)
}
