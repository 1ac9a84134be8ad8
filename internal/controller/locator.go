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

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/cdromd/internal/adapter"
	"github.com/alexandremahdhaoui/cdromd/internal/types"
)

var (
	ErrSlotNotFound  = errors.New("cdrom slot not found")
	ErrMinorNotFound = errors.New("tap minor not found")

	errSlotNotBound = errors.New("cdrom slot is not bound to a tap device")
)

// ---------------------------------------------------- INTERFACES -------------------------------------------------- //

// Locator resolves the CD-ROM slot of a guest and the tap device behind it.
type Locator interface {
	// CDROMSlotOf returns the first backend slot of the guest whose device-type is "cdrom".
	CDROMSlotOf(ctx context.Context, domid int) (types.Slot, error)
	// TapMinorOf returns the minor of the tap device the slot refers to, whether or not an image is loaded.
	TapMinorOf(ctx context.Context, slot types.Slot) (int, error)
	// BoundMinorOf returns the minor of the tap device the slot is bound to. Ejected slots are not bound.
	BoundMinorOf(ctx context.Context, slot types.Slot) (int, error)
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewLocator returns a new Locator.
func NewLocator(store adapter.Store, layout types.Layout, log logr.Logger) Locator {
	return &locator{
		store:  store,
		layout: layout,
		log:    log,
	}
}

// ------------------------------------------------------ LOCATOR --------------------------------------------------- //

type locator struct {
	store  adapter.Store
	layout types.Layout
	log    logr.Logger
}

func (l *locator) CDROMSlotOf(ctx context.Context, domid int) (types.Slot, error) {
	entries, err := l.store.Directory(ctx, l.layout.GuestBackendRoot(domid))
	if err != nil {
		return types.Slot{}, errors.Join(err, fmt.Errorf("%w: domid %d", ErrSlotNotFound, domid))
	}

	for _, entry := range entries {
		vdev, err := strconv.Atoi(entry)
		if err != nil {
			l.log.V(1).Info("skipping backend entry", "domid", domid, "entry", entry)
			continue
		}

		slot := types.Slot{DomID: domid, VDev: vdev}

		deviceType, err := l.store.Read(ctx, l.layout.BackendAttr(slot, types.AttrDeviceType))
		if err != nil {
			l.log.V(1).Info("skipping unreadable backend slot", "domid", domid, "vdev", vdev, "error", err.Error())
			continue
		}

		if deviceType == types.DeviceTypeCDROM {
			return slot, nil
		}
	}

	return types.Slot{}, fmt.Errorf("%w: domid %d", ErrSlotNotFound, domid)
}

func (l *locator) TapMinorOf(ctx context.Context, slot types.Slot) (int, error) {
	params, err := l.store.Read(ctx, l.layout.BackendAttr(slot, types.AttrParams))
	if err != nil {
		return -1, errors.Join(err, l.minorNotFound(slot))
	}

	if params != "" {
		if minor, err := types.ParseTapMinor(params); err == nil {
			return minor, nil
		}
	}

	// Ejected slots, and slots reloaded in place, only keep the device number.
	physical, err := l.store.Read(ctx, l.layout.BackendAttr(slot, types.AttrPhysicalDevice))
	if err != nil {
		return -1, errors.Join(err, l.minorNotFound(slot))
	}

	minor, err := types.ParsePhysicalDevice(physical)
	if err != nil {
		return -1, errors.Join(err, l.minorNotFound(slot))
	}

	return minor, nil
}

func (l *locator) BoundMinorOf(ctx context.Context, slot types.Slot) (int, error) {
	backendType, err := l.store.Read(ctx, l.layout.BackendAttr(slot, types.AttrType))
	if err != nil {
		return -1, errors.Join(err, l.minorNotFound(slot))
	}

	if backendType != types.BackendTypePhy {
		return -1, errors.Join(errSlotNotBound, l.minorNotFound(slot))
	}

	return l.TapMinorOf(ctx, slot)
}

func (l *locator) minorNotFound(slot types.Slot) error {
	return fmt.Errorf("%w: domid %d vdev %d", ErrMinorNotFound, slot.DomID, slot.VDev)
}
