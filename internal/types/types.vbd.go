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

package types

import (
	"fmt"
	"path"
	"strconv"
)

// -------------------------------------------------- ATTRIBUTES ---------------------------------------------------- //

// Node attributes of a virtual block device, on either the backend or the frontend side.
const (
	AttrParams         = "params"
	AttrType           = "type"
	AttrPhysicalDevice = "physical-device"
	AttrState          = "state"
	AttrOnline         = "online"
	AttrFrontend       = "frontend"
	AttrFrontendID     = "frontend-id"
	AttrBackend        = "backend"
	AttrBackendID      = "backend-id"
	AttrDeviceType     = "device-type"
	AttrBackendUUID    = "backend-uuid"
	AttrVirtualDevice  = "virtual-device"
	AttrRemovable      = "removable"
	AttrMode           = "mode"
	AttrDev            = "dev"
	AttrTapdiskParams  = "tapdisk-params"
)

const (
	// DeviceTypeCDROM is the device-type of an emulated optical drive.
	DeviceTypeCDROM = "cdrom"
	// BackendTypePhy is the backend type of a slot bound to a tap device.
	BackendTypePhy = "phy"
	// ModeReadOnly is the only mode a CD-ROM slot is ever created with.
	ModeReadOnly = "r"
	// EmulatedDev is the name the device model gives to the emulated drive.
	EmulatedDev = "hdc"
)

// ---------------------------------------------------- STATES ------------------------------------------------------ //

// XenbusState is the lifecycle code written to the "state" node of either end of a split device.
type XenbusState int

const (
	XenbusStateUnknown XenbusState = iota
	XenbusStateInitialising
	XenbusStateInitWait
	XenbusStateInitialised
	XenbusStateConnected
	XenbusStateClosing
	XenbusStateClosed
)

// String returns the wire representation of the state.
func (s XenbusState) String() string {
	return strconv.Itoa(int(s))
}

// ParseXenbusState parses the content of a "state" node.
func ParseXenbusState(s string) (XenbusState, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return XenbusStateUnknown, fmt.Errorf("parsing xenbus state %q: %w", s, err)
	}

	return XenbusState(i), nil
}

// ---------------------------------------------------- SLOTS ------------------------------------------------------- //

// Slot identifies a virtual block device of a guest.
type Slot struct {
	// DomID is the guest domain id.
	DomID int
	// VDev is the virtual device number within the guest.
	VDev int
}

// Layout knows where the backend and frontend nodes of a slot live in the store.
type Layout struct {
	// BackendDomID is the domain hosting the block backend, usually dom0.
	BackendDomID int
}

// DefaultLayout returns the layout of a dom0-hosted block backend.
func DefaultLayout() Layout {
	return Layout{BackendDomID: 0}
}

// BackendRoot returns the directory containing one entry per guest with vbd backends.
func (l Layout) BackendRoot() string {
	return fmt.Sprintf("/local/domain/%d/backend/vbd", l.BackendDomID)
}

// GuestBackendRoot returns the directory containing the vbd backends of a guest.
func (l Layout) GuestBackendRoot(domid int) string {
	return path.Join(l.BackendRoot(), strconv.Itoa(domid))
}

// BackendPath returns the backend node of the slot.
func (l Layout) BackendPath(s Slot) string {
	return path.Join(l.GuestBackendRoot(s.DomID), strconv.Itoa(s.VDev))
}

// FrontendPath returns the frontend node of the slot.
func (l Layout) FrontendPath(s Slot) string {
	return fmt.Sprintf("/local/domain/%d/device/vbd/%d", s.DomID, s.VDev)
}

// BackendAttr returns the path of a backend attribute.
func (l Layout) BackendAttr(s Slot, attr string) string {
	return path.Join(l.BackendPath(s), attr)
}

// FrontendAttr returns the path of a frontend attribute.
func (l Layout) FrontendAttr(s Slot, attr string) string {
	return path.Join(l.FrontendPath(s), attr)
}
