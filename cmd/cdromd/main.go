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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/alexandremahdhaoui/cdromd/internal/adapter"
	"github.com/alexandremahdhaoui/cdromd/internal/controller"
	"github.com/alexandremahdhaoui/cdromd/internal/driver/dbus"
	"github.com/alexandremahdhaoui/cdromd/internal/types"
	"github.com/alexandremahdhaoui/cdromd/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/cdromd/internal/util/httputil"
	"github.com/alexandremahdhaoui/cdromd/internal/util/logging"
	"github.com/alexandremahdhaoui/cdromd/pkg/execcontext"
	"github.com/alexandremahdhaoui/cdromd/pkg/tapctl"
	"github.com/alexandremahdhaoui/cdromd/pkg/xenstore"
)

const (
	Name = "cdromd"
)

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	_, _ = fmt.Fprintf(
		os.Stdout,
		"Starting %s version %s (%s) %s\n",
		Name,
		Version,
		CommitSHA,
		BuildTimestamp,
	)

	// --------------------------------------------- Graceful Shutdown ---------------------------------------------- //

	gs := gracefulshutdown.New(Name)
	ctx := gs.Context()

	// --------------------------------------------- Config --------------------------------------------------------- //

	config, err := loadConfig()
	if err != nil {
		slog.ErrorContext(ctx, "loading configuration", "error", err.Error())
		gs.Shutdown(1)
		return
	}

	// --------------------------------------------- Logging -------------------------------------------------------- //

	logOpts, err := logging.ParseOptions(config.LogLevel, "")
	if err != nil {
		slog.ErrorContext(ctx, "parsing log options", "error", err.Error())
		gs.Shutdown(1)
		return
	}

	logOpts.Development = logOpts.Development || config.DevelopmentMode
	log := logging.Setup(logOpts).WithName(Name)

	// --------------------------------------------- Clients -------------------------------------------------------- //

	xs, err := xenstore.Dial(config.XenStore.Path)
	if err != nil {
		slog.ErrorContext(ctx, "connecting to xenstore", "path", config.XenStore.Path, "error", err.Error())
		gs.Shutdown(1)
		return
	}

	gs.OnShutdown(xs.Close)

	tapCtl := tapctl.New(
		tapctl.WithPath(config.TapCtl.Path),
		tapctl.WithExecContext(execcontext.New(config.TapCtl.Envs, config.TapCtl.PrependCmd)),
	)

	conn, err := dbus.Connect(config.DBus.Bus)
	if err != nil {
		slog.ErrorContext(ctx, "connecting to message bus", "bus", config.DBus.Bus, "error", err.Error())
		gs.Shutdown(1)
		return
	}

	gs.OnShutdown(conn.Close)

	// --------------------------------------------- Adapter -------------------------------------------------------- //

	layout := types.Layout{BackendDomID: config.XenStore.BackendDomID}

	store := adapter.NewStore(xs, log.WithName("store"))
	tap := adapter.NewTap(tapCtl, log.WithName("tap"))

	// --------------------------------------------- Controller ----------------------------------------------------- //

	locator := controller.NewLocator(store, layout, log.WithName("locator"))
	refs := controller.NewReferenceCounter(store, locator, layout, log.WithName("refcount"))
	rebinder := controller.NewRebinder(store, layout, controller.RebindOptions{
		PollInterval: config.Rebind.PollInterval.Duration,
		CloseTimeout: config.Rebind.CloseTimeout.Duration,
	}, log.WithName("rebind"))

	iso := controller.NewISO(store, tap, locator, refs, rebinder, layout, log.WithName("iso"))

	// --------------------------------------------- Driver --------------------------------------------------------- //

	server := dbus.New(config.ServerConfig(), conn, iso, slog.Default())

	gs.Go("dbus", server.Start)

	// --------------------------------------------- Run ------------------------------------------------------------ //

	servers := make(map[string]*http.Server)

	if config.MetricsServer.Port != 0 {
		servers["metrics"] = setupMetricsServer(config)
	}

	if config.ProbesServer.Port != 0 {
		servers["probes"] = setupProbesServer(config, storeReadiness(store, layout))
	}

	httputil.Serve(servers, gs)

	slog.Info("✅ gracefully stopped", "binary", Name)

	// Blocks until the hooks have run and the process exits.
	gs.Shutdown(0)
}

// storeReadiness reports the daemon ready while the store answers. A store without any backend yet is fine.
func storeReadiness(store adapter.Store, layout types.Layout) readinessCheck {
	return func(ctx context.Context) error {
		_, err := store.Directory(ctx, layout.BackendRoot())
		if err != nil && !errors.Is(err, xenstore.ErrNotFound) {
			return err
		}

		return nil
	}
}
