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

package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/cdromd/internal/types"
	"github.com/alexandremahdhaoui/cdromd/internal/util/metrics"
	"github.com/alexandremahdhaoui/cdromd/pkg/tapctl"
)

var (
	ErrTapNotFound = errors.New("tap device not found")
	ErrTapCtl      = errors.New("tap control plane operation failed")

	errTapList    = errors.New("listing tap devices")
	errTapOpen    = errors.New("opening tap device")
	errTapClose   = errors.New("closing tap device")
	errTapReload  = errors.New("reloading tap device")
	errTapCreate  = errors.New("creating tap device")
	errTapDestroy = errors.New("destroying tap device")
)

const (
	tapOpList    = "list"
	tapOpOpen    = "open"
	tapOpClose   = "close"
	tapOpCreate  = "create"
	tapOpDestroy = "destroy"
)

// --------------------------------------------------- INTERFACES --------------------------------------------------- //

// TapBackend is the raw surface of the tap control plane. *tapctl.Client implements it.
type TapBackend interface {
	List(ctx context.Context) ([]tapctl.Device, error)
	Open(ctx context.Context, pid, minor int, descriptor string, readOnly bool) error
	Close(ctx context.Context, pid, minor int, force bool) error
	Create(ctx context.Context, descriptor string, readOnly bool) (string, error)
	Destroy(ctx context.Context, pid, minor int) error
}

// Tap manages the lifecycle of tap devices. Every image is attached read-only.
type Tap interface {
	// List returns every tap device.
	List(ctx context.Context) ([]types.TapDevice, error)
	// FindByPath returns the first open tap device serving exactly the given image path.
	FindByPath(ctx context.Context, path string) (types.TapDevice, error)
	// FindByMinor returns the tap device with the given minor.
	FindByMinor(ctx context.Context, minor int) (types.TapDevice, error)
	// Open attaches an image to an existing tap device.
	Open(ctx context.Context, minor int, descriptor string) error
	// Close detaches the image of a tap device.
	Close(ctx context.Context, minor int) error
	// Reload closes a tap device and reopens it on another image, keeping its minor.
	Reload(ctx context.Context, minor int, descriptor string) error
	// Create allocates a new tap device serving the image.
	Create(ctx context.Context, descriptor string) (types.TapDevice, error)
	// Destroy frees a tap device.
	Destroy(ctx context.Context, minor int) error
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewTap returns a new Tap.
func NewTap(backend TapBackend, log logr.Logger) Tap {
	return &tap{
		backend: backend,
		log:     log,
	}
}

// --------------------------------------------- CONCRETE IMPLEMENTATION -------------------------------------------- //

type tap struct {
	backend TapBackend
	log     logr.Logger
}

func (t *tap) List(ctx context.Context) ([]types.TapDevice, error) {
	devices, err := t.backend.List(ctx)
	observe(tapOpList, err)
	if err != nil {
		return nil, errors.Join(err, errTapList, ErrTapCtl)
	}

	out := make([]types.TapDevice, 0, len(devices))
	for _, d := range devices {
		out = append(out, types.TapDevice{
			PID:   d.PID,
			Minor: d.Minor,
			State: d.State,
			Type:  d.Type,
			Path:  d.Path,
		})
	}

	return out, nil
}

func (t *tap) FindByPath(ctx context.Context, path string) (types.TapDevice, error) {
	devices, err := t.List(ctx)
	if err != nil {
		return types.TapDevice{}, err
	}

	for _, d := range devices {
		if d.Closed() {
			continue
		}

		if d.Path == path {
			return d, nil
		}
	}

	return types.TapDevice{}, fmt.Errorf("%w: path %q", ErrTapNotFound, path)
}

func (t *tap) FindByMinor(ctx context.Context, minor int) (types.TapDevice, error) {
	devices, err := t.List(ctx)
	if err != nil {
		return types.TapDevice{}, err
	}

	for _, d := range devices {
		if d.Minor == minor {
			return d, nil
		}
	}

	return types.TapDevice{}, fmt.Errorf("%w: minor %d", ErrTapNotFound, minor)
}

func (t *tap) Open(ctx context.Context, minor int, descriptor string) error {
	d, err := t.FindByMinor(ctx, minor)
	if err != nil {
		return errors.Join(err, errTapOpen)
	}

	return t.open(ctx, d, descriptor)
}

func (t *tap) Close(ctx context.Context, minor int) error {
	d, err := t.FindByMinor(ctx, minor)
	if err != nil {
		return errors.Join(err, errTapClose)
	}

	return t.close(ctx, d)
}

func (t *tap) Reload(ctx context.Context, minor int, descriptor string) error {
	d, err := t.FindByMinor(ctx, minor)
	if err != nil {
		return errors.Join(err, errTapReload)
	}

	if !d.Closed() {
		if err := t.close(ctx, d); err != nil {
			return errors.Join(err, errTapReload)
		}
	}

	if err := t.open(ctx, d, descriptor); err != nil {
		return errors.Join(err, errTapReload)
	}

	return nil
}

func (t *tap) Create(ctx context.Context, descriptor string) (types.TapDevice, error) {
	node, err := t.backend.Create(ctx, descriptor, true)
	observe(tapOpCreate, err)
	if err != nil {
		return types.TapDevice{}, errors.Join(err, errTapCreate, ErrTapCtl)
	}

	minor, err := types.ParseTapMinor(node)
	if err != nil {
		return types.TapDevice{}, errors.Join(err, errTapCreate)
	}

	t.log.Info("created tap device", "minor", minor, "descriptor", descriptor)

	d, err := t.FindByMinor(ctx, minor)
	if err != nil {
		// The device exists, only its control plane id is unknown.
		t.log.V(1).Info("created tap device not listed", "minor", minor, "error", err.Error())

		kind, path := types.SplitDescriptor(descriptor)

		return types.TapDevice{PID: -1, Minor: minor, State: -1, Type: kind, Path: path}, nil
	}

	return d, nil
}

func (t *tap) Destroy(ctx context.Context, minor int) error {
	d, err := t.FindByMinor(ctx, minor)
	if err != nil {
		return errors.Join(err, errTapDestroy)
	}

	err = t.backend.Destroy(ctx, d.PID, d.Minor)
	observe(tapOpDestroy, err)
	if err != nil {
		return errors.Join(err, errTapDestroy, ErrTapCtl)
	}

	t.log.Info("destroyed tap device", "minor", minor, "pid", d.PID)

	return nil
}

func (t *tap) open(ctx context.Context, d types.TapDevice, descriptor string) error {
	err := t.backend.Open(ctx, d.PID, d.Minor, descriptor, true)
	observe(tapOpOpen, err)
	if err != nil {
		return errors.Join(err, errTapOpen, ErrTapCtl)
	}

	t.log.V(1).Info("opened tap device", "minor", d.Minor, "descriptor", descriptor)

	return nil
}

func (t *tap) close(ctx context.Context, d types.TapDevice) error {
	err := t.backend.Close(ctx, d.PID, d.Minor, false)
	observe(tapOpClose, err)
	if err != nil {
		return errors.Join(err, errTapClose, ErrTapCtl)
	}

	t.log.V(1).Info("closed tap device", "minor", d.Minor)

	return nil
}

func observe(op string, err error) {
	metrics.TapOperationsTotal.WithLabelValues(op, metrics.Result(err)).Inc()
}
