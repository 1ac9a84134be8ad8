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
	"strconv"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/cdromd/internal/adapter"
	"github.com/alexandremahdhaoui/cdromd/internal/types"
	"github.com/alexandremahdhaoui/cdromd/internal/util/metrics"
)

var (
	ErrNoCDROMSlot = errors.New("guest has no cdrom slot")
	ErrListCDROMs  = errors.New("listing cdrom slots")

	errEject       = errors.New("ejecting image")
	errInsert      = errors.New("inserting image")
	errRefCount    = errors.New("reference count unavailable, tap device considered shared")
	errFindByPath  = errors.New("looking up tap device serving image")
	errDestroyPrev = errors.New("destroying previous tap device")
)

// noStrategy labels requests rejected before any strategy was chosen.
const noStrategy = "none"

// ---------------------------------------------------- INTERFACES -------------------------------------------------- //

// ISO switches the image loaded in the emulated CD-ROM of guests.
type ISO interface {
	// Change ejects the image of the guest's CD-ROM and, unless path is empty, inserts the image at path.
	//
	// The returned error is only non-nil when the guest has no CD-ROM slot, or when ctx is done. Every other
	// failure is best-effort and reported in ChangeResult.Err.
	Change(ctx context.Context, domid int, path string) (types.ChangeResult, error)
	// List returns, for every guest with a CD-ROM slot, the minor of the tap device the slot is bound to, or -1.
	List(ctx context.Context) (map[int]int, error)
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewISO returns a new ISO.
func NewISO(
	store adapter.Store,
	tap adapter.Tap,
	locator Locator,
	refs ReferenceCounter,
	rebinder Rebinder,
	layout types.Layout,
	log logr.Logger,
) ISO {
	return &iso{
		store:    store,
		tap:      tap,
		locator:  locator,
		refs:     refs,
		rebinder: rebinder,
		layout:   layout,
		log:      log,
	}
}

// -------------------------------------------------------- ISO ----------------------------------------------------- //

type iso struct {
	store    adapter.Store
	tap      adapter.Tap
	locator  Locator
	refs     ReferenceCounter
	rebinder Rebinder
	layout   types.Layout
	log      logr.Logger
}

// -------------------------------------------------------- Change -------------------------------------------------- //

func (i *iso) Change(ctx context.Context, domid int, path string) (types.ChangeResult, error) {
	res, err := i.change(ctx, domid, path)

	strategy := string(res.Strategy)
	if strategy == "" {
		strategy = noStrategy
	}

	result := metrics.ResultSuccess
	switch {
	case err != nil:
		result = metrics.ResultFailure
	case res.Degraded():
		result = metrics.ResultDegraded
	}

	metrics.ChangeISOTotal.WithLabelValues(strategy, result).Inc()

	return res, err
}

func (i *iso) change(ctx context.Context, domid int, path string) (types.ChangeResult, error) {
	log := i.log.WithValues("domid", domid, "path", path)
	res := types.ChangeResult{PreviousMinor: -1, Minor: -1}

	// 1. Resolve the slot and the tap device behind it.
	slot, err := i.locator.CDROMSlotOf(ctx, domid)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		log.Info("no cdrom slot", "error", err.Error())
		return res, errors.Join(err, ErrNoCDROMSlot)
	}

	res.Slot = slot
	log = log.WithValues("vdev", slot.VDev)

	minor, err := i.locator.TapMinorOf(ctx, slot)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		log.Info("no tap device behind cdrom slot", "error", err.Error())
		return res, errors.Join(err, ErrNoCDROMSlot)
	}

	res.PreviousMinor = minor
	log = log.WithValues("minor", minor)

	// 2. Eject.
	if err := i.eject(ctx, slot); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		log.Error(err, "ejecting image")
		res.Strategy = types.StrategyEject
		res.Minor = minor
		res.Err = errors.Join(err, errEject)

		return res, nil
	}

	// 3. Nothing to insert.
	if path == "" {
		log.Info("ejected image")
		res.Strategy = types.StrategyEject

		return res, nil
	}

	descriptor := types.AIODescriptor(path)

	// 4. The slot was just ejected, so it does not count itself.
	shared := false
	count, err := i.refs.CountBound(ctx, minor, 1, domid)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		log.Error(err, "counting references, keeping previous tap device")
		res.Err = errors.Join(res.Err, err, errRefCount)
		shared = true
	}

	exclusive := !shared && count == 0

	// 5a. A tap device already serves the image.
	existing, err := i.tap.FindByPath(ctx, path)
	switch {
	case err == nil:
		return i.reuseExisting(ctx, log, res, existing, exclusive, descriptor)
	case errors.Is(err, adapter.ErrTapNotFound):
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		log.Error(err, "looking up tap device serving image")
		res.Err = errors.Join(res.Err, err, errFindByPath)
	}

	// 5b. Nobody else uses the tap device, point it at the new image.
	if exclusive {
		reloaded, err := i.reload(ctx, log, &res, descriptor)
		if err != nil {
			return res, err
		}

		if reloaded {
			return res, nil
		}
	}

	// 5c. Serve the image from a new tap device.
	return i.create(ctx, log, res, descriptor)
}

func (i *iso) eject(ctx context.Context, slot types.Slot) error {
	return i.store.Transact(ctx, func(tx adapter.Txn) error {
		if err := tx.Write(i.layout.BackendAttr(slot, types.AttrParams), ""); err != nil {
			return err
		}

		return tx.Write(i.layout.BackendAttr(slot, types.AttrType), "")
	})
}

func (i *iso) reuseExisting(
	ctx context.Context,
	log logr.Logger,
	res types.ChangeResult,
	existing types.TapDevice,
	exclusive bool,
	descriptor string,
) (types.ChangeResult, error) {
	res.Strategy = types.StrategyReuseExisting
	res.Minor = existing.Minor
	log = log.WithValues("strategy", res.Strategy, "existing", existing.Minor)

	// The slot's own tap device still serves the image: reinsert it in place.
	if existing.Minor == res.PreviousMinor {
		if err := i.insert(ctx, res.Slot, descriptor); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}

			log.Error(err, "reinserting image")
			res.Err = errors.Join(res.Err, err, errInsert)

			return res, nil
		}

		log.Info("reinserted image")

		return res, nil
	}

	if exclusive {
		if err := i.tap.Destroy(ctx, res.PreviousMinor); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}

			log.Error(err, "destroying previous tap device")
			res.Err = errors.Join(res.Err, err, errDestroyPrev)
		}
	}

	if err := i.rebinder.Rebind(ctx, res.Slot, existing.Minor, descriptor); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		log.Error(err, "rebinding slot")
		res.Err = errors.Join(res.Err, err)

		return res, nil
	}

	log.Info("switched image to existing tap device")

	return res, nil
}

// reload reattaches the previous tap device to the new image. It returns false when the tap device is gone.
func (i *iso) reload(
	ctx context.Context,
	log logr.Logger,
	res *types.ChangeResult,
	descriptor string,
) (bool, error) {
	res.Strategy = types.StrategyReload
	res.Minor = res.PreviousMinor
	log = log.WithValues("strategy", res.Strategy)

	err := i.tap.Reload(ctx, res.PreviousMinor, descriptor)
	if errors.Is(err, adapter.ErrTapNotFound) {
		log.Info("previous tap device is gone, creating a new one")
		res.Minor = -1

		return false, nil
	} else if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return true, ctxErr
		}

		log.Error(err, "reloading tap device")
		res.Err = errors.Join(res.Err, err)

		return true, nil
	}

	if err := i.insert(ctx, res.Slot, descriptor); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return true, ctxErr
		}

		log.Error(err, "inserting image")
		res.Err = errors.Join(res.Err, err, errInsert)

		return true, nil
	}

	log.Info("reloaded tap device")

	return true, nil
}

func (i *iso) create(
	ctx context.Context,
	log logr.Logger,
	res types.ChangeResult,
	descriptor string,
) (types.ChangeResult, error) {
	res.Strategy = types.StrategyCreate
	res.Minor = -1
	log = log.WithValues("strategy", res.Strategy)

	dev, err := i.tap.Create(ctx, descriptor)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		log.Error(err, "creating tap device")
		res.Err = errors.Join(res.Err, err)

		return res, nil
	}

	res.Minor = dev.Minor

	if err := i.rebinder.Rebind(ctx, res.Slot, dev.Minor, descriptor); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		log.Error(err, "rebinding slot", "new", dev.Minor)
		res.Err = errors.Join(res.Err, err)

		return res, nil
	}

	log.Info("switched image to new tap device", "new", dev.Minor)

	return res, nil
}

// insert loads the image in the slot without changing the tap device it is bound to.
func (i *iso) insert(ctx context.Context, slot types.Slot, descriptor string) error {
	return i.store.Transact(ctx, func(tx adapter.Txn) error {
		for _, a := range []attr{
			{types.AttrParams, descriptor},
			{types.AttrType, types.BackendTypePhy},
			{types.AttrTapdiskParams, descriptor},
		} {
			if err := tx.Write(i.layout.BackendAttr(slot, a.name), a.value); err != nil {
				return err
			}
		}

		return nil
	})
}

// --------------------------------------------------------- List --------------------------------------------------- //

func (i *iso) List(ctx context.Context) (map[int]int, error) {
	domids, err := i.store.Directory(ctx, i.layout.BackendRoot())
	if err != nil {
		return nil, errors.Join(err, ErrListCDROMs)
	}

	out := make(map[int]int, len(domids))
	for _, entry := range domids {
		domid, err := strconv.Atoi(entry)
		if err != nil {
			continue
		}

		slot, err := i.locator.CDROMSlotOf(ctx, domid)
		if err != nil {
			continue
		}

		minor, err := i.locator.BoundMinorOf(ctx, slot)
		if err != nil {
			minor = -1
		}

		out[domid] = minor
	}

	return out, nil
}
