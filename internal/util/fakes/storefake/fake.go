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

// Package storefake is an in-memory configuration store with optimistic transactions, speaking the same
// surface as the xenstore client.
package storefake

import (
	"maps"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/cdromd/internal/types"
	"github.com/alexandremahdhaoui/cdromd/pkg/xenstore"
)

// Hook is called after a write has been committed. Writes issued by a hook through Set apply immediately.
type Hook func(f *Fake, path, value string)

type node struct {
	value string
	perms []xenstore.Permission
}

type write struct {
	path  string
	value string
}

type tx struct {
	startGen uint64
	nodes    map[string]node
	writes   []write
	mutated  int
}

// Fake is an in-memory store. The zero value is not usable, use New.
type Fake struct {
	mu        sync.Mutex
	nodes     map[string]node
	gen       uint64
	txs       map[xenstore.TxID]*tx
	nextTx    xenstore.TxID
	conflicts int
	mutations int
	commits   int
	retried   int
	hooks     []Hook
	dirErrs   map[string]error
}

// New returns an empty store.
func New() *Fake {
	return &Fake{
		nodes:   map[string]node{"/": {}},
		txs:     make(map[xenstore.TxID]*tx),
		nextTx:  1,
		dirErrs: make(map[string]error),
	}
}

// ---------------------------------------------------- HELPERS ----------------------------------------------------- //

// OnWrite registers a hook.
func (f *Fake) OnWrite(h Hook) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.hooks = append(f.hooks, h)

	return f
}

// FailNextCommits makes the next n commits fail with a conflict.
func (f *Fake) FailNextCommits(n int) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.conflicts = n

	return f
}

// FailDirectory makes every listing of p fail with err.
func (f *Fake) FailDirectory(p string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dirErrs[clean(p)] = err

	return f
}

// Set writes a node outside any transaction, as a concurrent actor would. Hooks are not called.
func (f *Fake) Set(p, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	setNode(f.nodes, p, value)
	f.gen++
}

// Get returns the value of a node.
func (f *Fake) Get(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.nodes[clean(p)]

	return n.value, ok
}

// Permissions returns the access control list of a node.
func (f *Fake) Permissions(p string) []xenstore.Permission {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.nodes[clean(p)].perms
}

// Mutations returns the number of mutating operations that reached the store.
func (f *Fake) Mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.mutations
}

// Commits returns the number of committed transactions.
func (f *Fake) Commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.commits
}

// Retried returns the number of commits rejected with a conflict.
func (f *Fake) Retried() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.retried
}

// ProvisionCDROM creates a connected CD-ROM slot bound to the tap device with the given minor. A negative minor
// provisions an empty drive.
func (f *Fake) ProvisionCDROM(layout types.Layout, slot types.Slot, minor int) {
	be := func(attr, value string) { f.Set(layout.BackendAttr(slot, attr), value) }
	fe := func(attr, value string) { f.Set(layout.FrontendAttr(slot, attr), value) }

	be(types.AttrDeviceType, types.DeviceTypeCDROM)
	be(types.AttrFrontend, layout.FrontendPath(slot))
	be(types.AttrFrontendID, strconv.Itoa(slot.DomID))
	be(types.AttrOnline, "1")
	be(types.AttrState, types.XenbusStateConnected.String())
	be(types.AttrMode, types.ModeReadOnly)
	be(types.AttrParams, "")
	be(types.AttrType, "")
	if minor >= 0 {
		be(types.AttrParams, types.TapDevicePath(minor))
		be(types.AttrType, types.BackendTypePhy)
		be(types.AttrPhysicalDevice, types.PhysicalDevice(minor))
	}

	fe(types.AttrDeviceType, types.DeviceTypeCDROM)
	fe(types.AttrBackend, layout.BackendPath(slot))
	fe(types.AttrState, types.XenbusStateConnected.String())
}

// ClosingDriver returns a hook acting like the block drivers of both ends of a slot: when the backend is asked to
// close, both ends report closed.
func ClosingDriver(layout types.Layout) Hook {
	return func(f *Fake, p, value string) {
		if path.Base(p) != types.AttrState || value != types.XenbusStateClosing.String() {
			return
		}

		slot, ok := slotOf(layout, p)
		if !ok {
			return
		}

		f.Set(layout.BackendAttr(slot, types.AttrState), types.XenbusStateClosed.String())
		f.Set(layout.FrontendAttr(slot, types.AttrState), types.XenbusStateClosed.String())
	}
}

func slotOf(layout types.Layout, p string) (types.Slot, bool) {
	rel, ok := strings.CutPrefix(p, layout.BackendRoot()+"/")
	if !ok {
		return types.Slot{}, false
	}

	parts := strings.Split(rel, "/")
	if len(parts) != 3 {
		return types.Slot{}, false
	}

	domid, err := strconv.Atoi(parts[0])
	if err != nil {
		return types.Slot{}, false
	}

	vdev, err := strconv.Atoi(parts[1])
	if err != nil {
		return types.Slot{}, false
	}

	return types.Slot{DomID: domid, VDev: vdev}, true
}

// ---------------------------------------------------- BACKEND ----------------------------------------------------- //

func (f *Fake) Read(id xenstore.TxID, p string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	nodes, err := f.view(id)
	if err != nil {
		return "", err
	}

	n, ok := nodes[clean(p)]
	if !ok {
		return "", enoent(xenstore.MsgRead, p)
	}

	return n.value, nil
}

func (f *Fake) Directory(id xenstore.TxID, p string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	nodes, err := f.view(id)
	if err != nil {
		return nil, err
	}

	dir := clean(p)
	if err, ok := f.dirErrs[dir]; ok {
		return nil, err
	}

	if _, ok := nodes[dir]; !ok {
		return nil, enoent(xenstore.MsgDirectory, p)
	}

	prefix := strings.TrimSuffix(dir, "/") + "/"
	var out []string
	for k := range nodes {
		rest, ok := strings.CutPrefix(k, prefix)
		if ok && rest != "" && !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
	}

	sort.Slice(out, func(i, j int) bool { return lessEntry(out[i], out[j]) })

	return out, nil
}

func (f *Fake) Write(id xenstore.TxID, p, value string) error {
	return f.mutate(id, p, value, func(nodes map[string]node) error {
		setNode(nodes, p, value)
		return nil
	})
}

func (f *Fake) Mkdir(id xenstore.TxID, p string) error {
	return f.mutate(id, "", "", func(nodes map[string]node) error {
		if _, ok := nodes[clean(p)]; !ok {
			setNode(nodes, p, "")
		}
		return nil
	})
}

func (f *Fake) Remove(id xenstore.TxID, p string) error {
	return f.mutate(id, "", "", func(nodes map[string]node) error {
		target := clean(p)
		if _, ok := nodes[target]; !ok {
			return enoent(xenstore.MsgRm, p)
		}

		for k := range nodes {
			if k == target || strings.HasPrefix(k, target+"/") {
				delete(nodes, k)
			}
		}
		return nil
	})
}

func (f *Fake) SetPermissions(id xenstore.TxID, p string, perms []xenstore.Permission) error {
	return f.mutate(id, "", "", func(nodes map[string]node) error {
		n, ok := nodes[clean(p)]
		if !ok {
			return enoent(xenstore.MsgSetPerms, p)
		}

		n.perms = append([]xenstore.Permission(nil), perms...)
		nodes[clean(p)] = n
		return nil
	})
}

func (f *Fake) TransactionStart() (xenstore.TxID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextTx
	f.nextTx++
	f.txs[id] = &tx{startGen: f.gen, nodes: maps.Clone(f.nodes)}

	return id, nil
}

func (f *Fake) TransactionEnd(id xenstore.TxID, commit bool) error {
	f.mu.Lock()

	t, ok := f.txs[id]
	if !ok {
		f.mu.Unlock()
		return enoent(xenstore.MsgTransactionEnd, "")
	}
	delete(f.txs, id)

	if !commit {
		f.mu.Unlock()
		return nil
	}

	if f.conflicts > 0 || f.gen != t.startGen {
		if f.conflicts > 0 {
			f.conflicts--
		}
		f.retried++
		f.mu.Unlock()
		return &xenstore.Error{Op: xenstore.MsgTransactionEnd, Errno: "EAGAIN"}
	}

	f.nodes = t.nodes
	f.mutations += t.mutated
	f.commits++
	if t.mutated > 0 {
		f.gen++
	}
	hooks := append([]Hook(nil), f.hooks...)
	f.mu.Unlock()

	for _, w := range t.writes {
		for _, h := range hooks {
			h(f, w.path, w.value)
		}
	}

	return nil
}

// ---------------------------------------------------- INTERNAL ---------------------------------------------------- //

// mutate applies op to the transaction snapshot, or directly to the store when id is NoTx.
func (f *Fake) mutate(id xenstore.TxID, p, value string, op func(map[string]node) error) error {
	f.mu.Lock()

	if id == xenstore.NoTx {
		if err := op(f.nodes); err != nil {
			f.mu.Unlock()
			return err
		}
		f.gen++
		f.mutations++
		hooks := append([]Hook(nil), f.hooks...)
		f.mu.Unlock()

		if p != "" {
			for _, h := range hooks {
				h(f, clean(p), value)
			}
		}
		return nil
	}
	defer f.mu.Unlock()

	t, ok := f.txs[id]
	if !ok {
		return enoent(xenstore.MsgWrite, p)
	}

	if err := op(t.nodes); err != nil {
		return err
	}
	t.mutated++
	if p != "" {
		t.writes = append(t.writes, write{path: clean(p), value: value})
	}

	return nil
}

func (f *Fake) view(id xenstore.TxID) (map[string]node, error) {
	if id == xenstore.NoTx {
		return f.nodes, nil
	}

	t, ok := f.txs[id]
	if !ok {
		return nil, enoent(xenstore.MsgRead, "")
	}

	return t.nodes, nil
}

func setNode(nodes map[string]node, p, value string) {
	p = clean(p)
	for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		if _, ok := nodes[dir]; !ok {
			nodes[dir] = node{}
		}
	}

	n := nodes[p]
	n.value = value
	nodes[p] = n
}

func clean(p string) string {
	return path.Clean("/" + p)
}

// lessEntry orders numeric entries numerically, the way device ids are expected to be listed.
func lessEntry(a, b string) bool {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	if aErr == nil && bErr == nil {
		return ai < bi
	}

	return a < b
}

func enoent(op xenstore.MsgType, p string) error {
	return &xenstore.Error{Op: op, Path: p, Errno: "ENOENT"}
}
