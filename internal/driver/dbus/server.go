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

// Package dbus exposes the image switching of emulated CD-ROMs on the message bus.
package dbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/alexandremahdhaoui/cdromd/internal/controller"
)

var (
	ErrNameTaken = errors.New("bus name already owned")
	ErrExport    = errors.New("exporting bus object")
)

const introspectableInterface = "org.freedesktop.DBus.Introspectable"

// Conn is the part of a bus connection the server needs. *godbus.Conn implements it.
type Conn interface {
	RequestName(name string, flags godbus.RequestNameFlags) (godbus.RequestNameReply, error)
	ReleaseName(name string) (godbus.ReleaseNameReply, error)
	ExportWithMap(v interface{}, mapping map[string]string, path godbus.ObjectPath, iface string) error
	Export(v interface{}, path godbus.ObjectPath, iface string) error
}

// Server answers CD-ROM requests received on the bus. Requests are served one at a time.
type Server struct {
	config *ServerConfig
	conn   Conn
	iso    controller.ISO
	logger *slog.Logger

	mu  sync.Mutex
	ctx context.Context
}

// New creates a new D-Bus server with the given configuration
func New(config *ServerConfig, conn Conn, iso controller.ISO, logger *slog.Logger) *Server {
	if config == nil {
		config = NewDefaultConfig()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config: config,
		conn:   conn,
		iso:    iso,
		logger: logger,
		ctx:    context.Background(),
	}
}

// Start exports the server object, claims the bus name and serves requests until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	path := godbus.ObjectPath(s.config.Path)

	if err := s.conn.ExportWithMap(s, map[string]string{
		"ChangeISO":  MethodChangeISO,
		"ListCDROMs": MethodListCDROMs,
	}, path, s.config.Interface); err != nil {
		return errors.Join(err, ErrExport)
	}

	if err := s.conn.Export(introspect.NewIntrospectable(s.introspection()), path, introspectableInterface); err != nil {
		return errors.Join(err, ErrExport)
	}

	reply, err := s.conn.RequestName(s.config.Name, godbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("requesting bus name %s: %w", s.config.Name, err)
	}

	if reply != godbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%w: %s", ErrNameTaken, s.config.Name)
	}

	s.logger.Info("Serving D-Bus requests",
		"bus", s.config.Bus,
		"name", s.config.Name,
		"path", s.config.Path)

	<-ctx.Done()

	s.logger.Info("Shutting down D-Bus server")

	if err := s.Stop(); err != nil {
		s.logger.Error("Failed to release bus name", "error", err)
	}

	return ctx.Err()
}

// Stop releases the bus name.
func (s *Server) Stop() error {
	if _, err := s.conn.ReleaseName(s.config.Name); err != nil {
		return fmt.Errorf("releasing bus name %s: %w", s.config.Name, err)
	}

	return nil
}

// ChangeISO switches the image of the guest's CD-ROM. An empty path ejects the current image. It only returns
// false when the guest has no CD-ROM.
func (s *Server) ChangeISO(path string, domid int32) (bool, *godbus.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.iso.Change(s.ctx, int(domid), path)
	if errors.Is(err, controller.ErrNoCDROMSlot) {
		s.logger.Warn("No CD-ROM to change",
			"domid", domid,
			"path", path)

		return false, nil
	} else if err != nil {
		s.logger.Error("Failed to change image",
			"domid", domid,
			"path", path,
			"error", err)

		return false, godbus.MakeFailedError(err)
	}

	if res.Degraded() {
		s.logger.Warn("Image changed with errors",
			"domid", domid,
			"path", path,
			"strategy", res.Strategy,
			"minor", res.Minor,
			"error", res.Err)

		return true, nil
	}

	s.logger.Info("Image changed",
		"domid", domid,
		"path", path,
		"strategy", res.Strategy,
		"previousMinor", res.PreviousMinor,
		"minor", res.Minor)

	return true, nil
}

// ListCDROMs returns the tap device minor bound to the CD-ROM of every guest, -1 for empty drives.
func (s *Server) ListCDROMs() (map[int32]int32, *godbus.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cdroms, err := s.iso.List(s.ctx)
	if err != nil {
		s.logger.Error("Failed to list CD-ROMs", "error", err)
		return nil, godbus.MakeFailedError(err)
	}

	out := make(map[int32]int32, len(cdroms))
	for domid, minor := range cdroms {
		out[int32(domid)] = int32(minor)
	}

	return out, nil
}

func (s *Server) introspection() *introspect.Node {
	return &introspect.Node{
		Name: s.config.Path,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: s.config.Interface,
				Methods: []introspect.Method{
					{
						Name: MethodChangeISO,
						Args: []introspect.Arg{
							{Name: "path", Type: "s", Direction: "in"},
							{Name: "domid", Type: "i", Direction: "in"},
							{Name: "ok", Type: "b", Direction: "out"},
						},
					},
					{
						Name: MethodListCDROMs,
						Args: []introspect.Arg{
							{Name: "cdroms", Type: "a{ii}", Direction: "out"},
						},
					},
				},
			},
		},
	}
}
