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
	"errors"
	"fmt"

	godbus "github.com/godbus/dbus/v5"
)

const (
	BusSystem  = "system"
	BusSession = "session"

	// ServiceName is the well-known name, and interface, of the CD-ROM daemon.
	ServiceName = "com.citrix.xenclient.cdromdaemon"
	// ObjectPath is the object the daemon exports its methods on.
	ObjectPath = "/"

	MethodChangeISO  = "change_iso"
	MethodListCDROMs = "list_cdroms"
)

var ErrUnknownBus = errors.New("unknown bus")

// ServerConfig holds the configuration of the D-Bus server.
type ServerConfig struct {
	// Bus is the message bus to connect to, "system" or "session".
	Bus string

	// Name is the well-known name requested on the bus.
	Name string

	// Path is the object path methods are exported on.
	Path string

	// Interface is the interface methods are exported under.
	Interface string
}

// NewDefaultConfig returns a ServerConfig with sensible defaults
func NewDefaultConfig() *ServerConfig {
	return &ServerConfig{
		Bus:       BusSystem,
		Name:      ServiceName,
		Path:      ObjectPath,
		Interface: ServiceName,
	}
}

// Connect opens a shared connection to the configured bus.
func Connect(bus string) (*godbus.Conn, error) {
	switch bus {
	case BusSystem, "":
		return godbus.ConnectSystemBus()
	case BusSession:
		return godbus.ConnectSessionBus()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBus, bus)
	}
}
