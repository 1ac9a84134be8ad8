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
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedTapPath        = errors.New("malformed tap device path")
	ErrMalformedPhysicalDevice = errors.New("malformed physical-device")
)

const (
	// TapDevicePrefix is the node name prefix of blktap2 devices.
	TapDevicePrefix = "/dev/xen/blktap-2/tapdev"

	// TapMajor is the block major number the blktap driver registers.
	TapMajor = 0xfe

	// DescriptorKindAIO is a file-backed image served with asynchronous I/O.
	DescriptorKindAIO = "aio"
	// DescriptorKindPhy is a raw block device passed through.
	DescriptorKindPhy = "phy"
)

// TapDevice is a blktap device as reported by the tap control plane.
type TapDevice struct {
	// PID is the id of the tapdisk process serving the device.
	PID int
	// Minor is the minor number of the device.
	Minor int
	// State is the raw state reported by the control plane.
	State int
	// Type is the driver kind of the image, e.g. "aio".
	Type string
	// Path is the backing image. It is empty when the device is closed.
	Path string
}

// Closed reports whether no image is attached to the device.
func (t TapDevice) Closed() bool {
	return t.Path == ""
}

// DevicePath returns the device node of the tap device.
func (t TapDevice) DevicePath() string {
	return TapDevicePath(t.Minor)
}

// TapDevicePath returns the device node of the tap device with the given minor.
func TapDevicePath(minor int) string {
	return TapDevicePrefix + strconv.Itoa(minor)
}

// PhysicalDevice returns the "physical-device" value of a slot bound to the tap device with the given minor.
func PhysicalDevice(minor int) string {
	return fmt.Sprintf("%x:%x", TapMajor, minor)
}

// Descriptor returns "<kind>:<path>".
func Descriptor(kind, path string) string {
	return kind + ":" + path
}

// AIODescriptor returns the descriptor of a file-backed image.
func AIODescriptor(path string) string {
	return Descriptor(DescriptorKindAIO, path)
}

// SplitDescriptor splits "<kind>:<path>". A value without a kind is returned as a bare path.
func SplitDescriptor(s string) (kind, path string) {
	// Paths are absolute, so a kind never contains a slash.
	i := strings.IndexByte(s, ':')
	if i <= 0 || strings.ContainsRune(s[:i], '/') {
		return "", s
	}

	return s[:i], s[i+1:]
}

// ParseTapMinor extracts the minor from a tap device node, optionally behind a descriptor kind, e.g.
// "/dev/xen/blktap-2/tapdev4" or "phy:/dev/xen/blktap-2/tapdev4".
func ParseTapMinor(s string) (int, error) {
	_, p := SplitDescriptor(strings.TrimSpace(s))

	i := strings.LastIndex(p, "/")
	name := p[i+1:]
	if !strings.HasPrefix(name, "tapdev") {
		return -1, fmt.Errorf("%w: %q", ErrMalformedTapPath, s)
	}

	minor, err := strconv.Atoi(strings.TrimPrefix(name, "tapdev"))
	if err != nil || minor < 0 {
		return -1, fmt.Errorf("%w: %q", ErrMalformedTapPath, s)
	}

	return minor, nil
}

// ParsePhysicalDevice parses a "<major>:<minor>" hexadecimal pair and returns the minor when the major is the
// blktap one.
func ParsePhysicalDevice(s string) (int, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrMalformedPhysicalDevice, s)
	}

	maj, err := strconv.ParseUint(major, 16, 32)
	if err != nil || maj != TapMajor {
		return -1, fmt.Errorf("%w: %q", ErrMalformedPhysicalDevice, s)
	}

	mnr, err := strconv.ParseUint(minor, 16, 32)
	if err != nil {
		return -1, fmt.Errorf("%w: %q", ErrMalformedPhysicalDevice, s)
	}

	return int(mnr), nil
}
