//go:build unit

// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dbus

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/cdromd/internal/controller"
	"github.com/alexandremahdhaoui/cdromd/internal/types"
)

// fakeISO records requests and answers with canned results.
type fakeISO struct {
	result types.ChangeResult
	err    error
	cdroms map[int]int

	calls []string
}

func (f *fakeISO) Change(_ context.Context, domid int, path string) (types.ChangeResult, error) {
	f.calls = append(f.calls, path)
	f.result.Slot.DomID = domid
	return f.result, f.err
}

func (f *fakeISO) List(_ context.Context) (map[int]int, error) {
	return f.cdroms, f.err
}

type fakeConn struct {
	reply     godbus.RequestNameReply
	requested []string
	released  []string
	exported  map[string]interface{}
	mapping   map[string]string
}

func (f *fakeConn) RequestName(name string, _ godbus.RequestNameFlags) (godbus.RequestNameReply, error) {
	f.requested = append(f.requested, name)
	return f.reply, nil
}

func (f *fakeConn) ReleaseName(name string) (godbus.ReleaseNameReply, error) {
	f.released = append(f.released, name)
	return godbus.ReleaseNameReplyReleased, nil
}

func (f *fakeConn) ExportWithMap(v interface{}, mapping map[string]string, _ godbus.ObjectPath, iface string) error {
	f.mapping = mapping
	return f.Export(v, "", iface)
}

func (f *fakeConn) Export(v interface{}, _ godbus.ObjectPath, iface string) error {
	if f.exported == nil {
		f.exported = make(map[string]interface{})
	}

	f.exported[iface] = v
	return nil
}

type fakeCaller struct {
	method string
	args   []interface{}
	call   *godbus.Call
}

func (f *fakeCaller) CallWithContext(_ context.Context, method string, _ godbus.Flags, args ...interface{}) *godbus.Call {
	f.method = method
	f.args = args
	return f.call
}

func TestServer(t *testing.T) {
	var (
		iso    *fakeISO
		conn   *fakeConn
		server *Server
	)

	setup := func(t *testing.T) {
		t.Helper()

		iso = &fakeISO{cdroms: map[int]int{}}
		conn = &fakeConn{reply: godbus.RequestNameReplyPrimaryOwner}
		server = New(nil, conn, iso, slog.Default())
	}

	t.Run("Start", func(t *testing.T) {
		t.Run("ExportsAndReleases", func(t *testing.T) {
			setup(t)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			err := server.Start(ctx)
			assert.ErrorIs(t, err, context.Canceled)

			assert.Equal(t, []string{ServiceName}, conn.requested)
			assert.Equal(t, []string{ServiceName}, conn.released)
			assert.Equal(t, map[string]string{
				"ChangeISO":  MethodChangeISO,
				"ListCDROMs": MethodListCDROMs,
			}, conn.mapping)
			assert.Same(t, server, conn.exported[ServiceName])
			assert.IsType(t, introspect.Introspectable(""), conn.exported[introspectableInterface])
			assert.Contains(t, string(conn.exported[introspectableInterface].(introspect.Introspectable)),
				`<method name="change_iso">`)
		})

		t.Run("NameTaken", func(t *testing.T) {
			setup(t)
			conn.reply = godbus.RequestNameReplyExists

			err := server.Start(context.Background())
			assert.ErrorIs(t, err, ErrNameTaken)
			assert.Empty(t, conn.released)
		})
	})

	t.Run("ChangeISO", func(t *testing.T) {
		t.Run("Success", func(t *testing.T) {
			setup(t)
			iso.result = types.ChangeResult{Minor: 5, PreviousMinor: 4, Strategy: types.StrategyCreate}

			ok, dbusErr := server.ChangeISO("/iso/c.iso", 3)
			assert.Nil(t, dbusErr)
			assert.True(t, ok)
			assert.Equal(t, []string{"/iso/c.iso"}, iso.calls)
		})

		t.Run("Degraded", func(t *testing.T) {
			setup(t)
			iso.result = types.ChangeResult{Minor: -1, Strategy: types.StrategyCreate, Err: errors.New("tap-ctl")}

			ok, dbusErr := server.ChangeISO("/iso/c.iso", 3)
			assert.Nil(t, dbusErr)
			assert.True(t, ok)
		})

		t.Run("NoCDROM", func(t *testing.T) {
			setup(t)
			iso.err = controller.ErrNoCDROMSlot

			ok, dbusErr := server.ChangeISO("/iso/c.iso", 3)
			assert.Nil(t, dbusErr)
			assert.False(t, ok)
		})

		t.Run("Failure", func(t *testing.T) {
			setup(t)
			iso.err = context.Canceled

			ok, dbusErr := server.ChangeISO("", 3)
			require.NotNil(t, dbusErr)
			assert.False(t, ok)
			assert.Equal(t, "org.freedesktop.DBus.Error.Failed", dbusErr.Name)
		})
	})

	t.Run("ListCDROMs", func(t *testing.T) {
		setup(t)
		iso.cdroms = map[int]int{3: 4, 9: -1}

		out, dbusErr := server.ListCDROMs()
		assert.Nil(t, dbusErr)
		assert.Equal(t, map[int32]int32{3: 4, 9: -1}, out)
	})
}

func TestClient(t *testing.T) {
	t.Run("ChangeISO", func(t *testing.T) {
		caller := &fakeCaller{call: &godbus.Call{Body: []interface{}{true}}}
		client := NewClientWithCaller(caller, ServiceName)

		ok, err := client.ChangeISO(context.Background(), "/iso/c.iso", 3)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, ServiceName+"."+MethodChangeISO, caller.method)
		assert.Equal(t, []interface{}{"/iso/c.iso", int32(3)}, caller.args)
	})

	t.Run("ListCDROMs", func(t *testing.T) {
		caller := &fakeCaller{call: &godbus.Call{Body: []interface{}{map[int32]int32{3: 4}}}}
		client := NewClientWithCaller(caller, ServiceName)

		out, err := client.ListCDROMs(context.Background())
		require.NoError(t, err)
		assert.Equal(t, map[int]int{3: 4}, out)
	})

	t.Run("CallError", func(t *testing.T) {
		caller := &fakeCaller{call: &godbus.Call{Err: errors.New("no reply")}}
		client := NewClientWithCaller(caller, ServiceName)

		_, err := client.ChangeISO(context.Background(), "", 3)
		assert.ErrorIs(t, err, ErrCall)
	})
}

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()
	assert.Equal(t, BusSystem, config.Bus)
	assert.Equal(t, ServiceName, config.Name)
	assert.Equal(t, ServiceName, config.Interface)
	assert.Equal(t, "/", config.Path)

	_, err := Connect("tcp")
	assert.ErrorIs(t, err, ErrUnknownBus)
}
