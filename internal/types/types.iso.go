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

// Strategy is the way an image switch was carried out.
type Strategy string

const (
	// StrategyEject leaves the slot empty.
	StrategyEject Strategy = "eject"
	// StrategyReuseExisting rebinds the slot to a tap device already serving the requested image.
	StrategyReuseExisting Strategy = "reuse-existing"
	// StrategyReload reattaches the slot's own tap device to the requested image.
	StrategyReload Strategy = "reload"
	// StrategyCreate rebinds the slot to a freshly created tap device.
	StrategyCreate Strategy = "create"
)

// ChangeResult describes the outcome of an image switch.
type ChangeResult struct {
	// Slot is the CD-ROM slot of the guest.
	Slot Slot
	// PreviousMinor is the tap device the slot was bound to before the switch.
	PreviousMinor int
	// Minor is the tap device the slot is expected to be bound to after the switch, -1 once ejected.
	Minor int
	// Strategy is the strategy that was carried out.
	Strategy Strategy
	// Err joins every best-effort step that failed. A nil Err means store and tap devices are consistent.
	Err error
}

// Degraded reports whether a best-effort step failed.
func (r ChangeResult) Degraded() bool {
	return r.Err != nil
}
