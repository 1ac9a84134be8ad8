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
)

var ErrCountBound = errors.New("counting slots bound to tap device")

// NoExclude disables guest exclusion in ReferenceCounter.CountBound.
const NoExclude = -1

// ReferenceCounter counts the CD-ROM slots bound to a tap device.
type ReferenceCounter interface {
	// CountBound returns how many guests other than exclude have their CD-ROM slot bound to minor. The scan stops
	// once limit matches are found. A limit lower than 1 counts every match.
	CountBound(ctx context.Context, minor, limit, exclude int) (int, error)
}

// NewReferenceCounter returns a new ReferenceCounter.
func NewReferenceCounter(
	store adapter.Store,
	locator Locator,
	layout types.Layout,
	log logr.Logger,
) ReferenceCounter {
	return &referenceCounter{
		store:   store,
		locator: locator,
		layout:  layout,
		log:     log,
	}
}

type referenceCounter struct {
	store   adapter.Store
	locator Locator
	layout  types.Layout
	log     logr.Logger
}

func (r *referenceCounter) CountBound(ctx context.Context, minor, limit, exclude int) (int, error) {
	domids, err := r.store.Directory(ctx, r.layout.BackendRoot())
	if err != nil {
		return 0, errors.Join(err, ErrCountBound)
	}

	count := 0
	for _, entry := range domids {
		if err := ctx.Err(); err != nil {
			return count, errors.Join(err, ErrCountBound)
		}

		domid, err := strconv.Atoi(entry)
		if err != nil || domid == exclude {
			continue
		}

		// Guests may go away during the scan.
		slot, err := r.locator.CDROMSlotOf(ctx, domid)
		if err != nil {
			continue
		}

		bound, err := r.locator.BoundMinorOf(ctx, slot)
		if err != nil {
			continue
		}

		if bound != minor {
			continue
		}

		count++
		r.log.V(1).Info("tap device is referenced", "minor", minor, "domid", domid, "vdev", slot.VDev)

		if limit > 0 && count >= limit {
			break
		}
	}

	return count, nil
}
