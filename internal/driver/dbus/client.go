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

package dbus

import (
	"context"
	"errors"

	godbus "github.com/godbus/dbus/v5"
)

var ErrCall = errors.New("calling cdrom daemon")

// Caller invokes methods on a remote object. godbus.BusObject implements it.
type Caller interface {
	CallWithContext(ctx context.Context, method string, flags godbus.Flags, args ...interface{}) *godbus.Call
}

// Client calls a remote CD-ROM daemon.
type Client struct {
	obj   Caller
	iface string
}

// NewClient returns a client of the daemon described by config, reached through conn.
func NewClient(conn *godbus.Conn, config *ServerConfig) *Client {
	if config == nil {
		config = NewDefaultConfig()
	}

	return NewClientWithCaller(conn.Object(config.Name, godbus.ObjectPath(config.Path)), config.Interface)
}

// NewClientWithCaller returns a client calling methods of iface on obj.
func NewClientWithCaller(obj Caller, iface string) *Client {
	return &Client{obj: obj, iface: iface}
}

// ChangeISO asks the daemon to switch the image of the guest's CD-ROM. It returns false when the guest has no
// CD-ROM.
func (c *Client) ChangeISO(ctx context.Context, path string, domid int) (bool, error) {
	var ok bool
	if err := c.call(ctx, MethodChangeISO, path, int32(domid)).Store(&ok); err != nil {
		return false, errors.Join(err, ErrCall)
	}

	return ok, nil
}

// ListCDROMs returns the tap device minor bound to the CD-ROM of every guest.
func (c *Client) ListCDROMs(ctx context.Context) (map[int]int, error) {
	var raw map[int32]int32
	if err := c.call(ctx, MethodListCDROMs).Store(&raw); err != nil {
		return nil, errors.Join(err, ErrCall)
	}

	out := make(map[int]int, len(raw))
	for domid, minor := range raw {
		out[int(domid)] = int(minor)
	}

	return out, nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) *godbus.Call {
	return c.obj.CallWithContext(ctx, c.iface+"."+method, 0, args...)
}
