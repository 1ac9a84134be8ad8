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

// Package tapfake is an in-memory tap control plane.
package tapfake

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/cdromd/internal/types"
	"github.com/alexandremahdhaoui/cdromd/pkg/tapctl"
)

// Call records one invocation of the control plane.
type Call struct {
	Op         string
	PID        int
	Minor      int
	Descriptor string
	ReadOnly   bool
}

// Fake is an in-memory tap control plane. New devices get the minor following the highest allocated one. The zero
// value is not usable, use New.
type Fake struct {
	mu       sync.Mutex
	devices  map[int]tapctl.Device
	readOnly map[int]bool
	nextPID  int
	failures map[string]error
	calls    []Call
}

// New returns a control plane without any tap device.
func New() *Fake {
	return &Fake{
		devices:  make(map[int]tapctl.Device),
		readOnly: make(map[int]bool),
		nextPID:  1000,
		failures: make(map[string]error),
	}
}

// ---------------------------------------------------- HELPERS ----------------------------------------------------- //

// Add registers a tap device serving the image. An empty path registers a closed device.
func (f *Fake) Add(minor int, path string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	d := tapctl.Device{PID: f.nextPID, Minor: minor}
	f.nextPID++
	if path != "" {
		d.Type = types.DescriptorKindAIO
		d.Path = path
	}

	f.devices[minor] = d
	f.readOnly[minor] = true

	return f
}

// FailOn makes every subsequent call of op fail with err. A nil err clears the failure.
func (f *Fake) FailOn(op string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil {
		delete(f.failures, op)
	} else {
		f.failures[op] = err
	}

	return f
}

// Device returns the tap device with the given minor.
func (f *Fake) Device(minor int) (tapctl.Device, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.devices[minor]

	return d, ok
}

// ReadOnly reports whether the image of the tap device was attached read-only.
func (f *Fake) ReadOnly(minor int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.readOnly[minor]
}

// Calls returns the invocations made so far, excluding listings.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.calls)
}

// CallsOf returns the invocations of op.
func (f *Fake) CallsOf(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}

	return out
}

// --------------------------------------------------- BACKEND ------------------------------------------------------ //

func (f *Fake) List(_ context.Context) ([]tapctl.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failures["list"]; err != nil {
		return nil, err
	}

	out := make([]tapctl.Device, 0, len(f.devices))
	for _, minor := range slices.Sorted(maps.Keys(f.devices)) {
		out = append(out, f.devices[minor])
	}

	return out, nil
}

func (f *Fake) Open(_ context.Context, pid, minor int, descriptor string, readOnly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: "open", PID: pid, Minor: minor, Descriptor: descriptor, ReadOnly: readOnly})

	d, err := f.lookup("open", pid, minor)
	if err != nil {
		return err
	}

	if d.Path != "" {
		return fmt.Errorf("%w: tap device %d already open", tapctl.ErrCommand, minor)
	}

	d.Type, d.Path = types.SplitDescriptor(descriptor)
	f.devices[minor] = d
	f.readOnly[minor] = readOnly

	return nil
}

func (f *Fake) Close(_ context.Context, pid, minor int, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: "close", PID: pid, Minor: minor})

	d, err := f.lookup("close", pid, minor)
	if err != nil {
		return err
	}

	d.Type, d.Path = "", ""
	f.devices[minor] = d

	return nil
}

func (f *Fake) Create(_ context.Context, descriptor string, readOnly bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: "create", Descriptor: descriptor, ReadOnly: readOnly})

	if err := f.failures["create"]; err != nil {
		return "", err
	}

	minor := 0
	for m := range f.devices {
		minor = max(minor, m+1)
	}

	kind, path := types.SplitDescriptor(descriptor)
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty image", tapctl.ErrCommand)
	}

	f.devices[minor] = tapctl.Device{PID: f.nextPID, Minor: minor, Type: kind, Path: path}
	f.readOnly[minor] = readOnly
	f.nextPID++

	return types.TapDevicePath(minor), nil
}

func (f *Fake) Destroy(_ context.Context, pid, minor int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: "destroy", PID: pid, Minor: minor})

	if _, err := f.lookup("destroy", pid, minor); err != nil {
		return err
	}

	delete(f.devices, minor)
	delete(f.readOnly, minor)

	return nil
}

// ---------------------------------------------------- INTERNAL ---------------------------------------------------- //

func (f *Fake) lookup(op string, pid, minor int) (tapctl.Device, error) {
	if err := f.failures[op]; err != nil {
		return tapctl.Device{}, err
	}

	d, ok := f.devices[minor]
	if !ok || d.PID != pid {
		return tapctl.Device{}, fmt.Errorf("%w: no tap device pid=%d minor=%d", tapctl.ErrCommand, pid, minor)
	}

	return d, nil
}
