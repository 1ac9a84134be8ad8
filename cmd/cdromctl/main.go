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

// Command cdromctl asks a running cdromd to change, eject or list the images of guest CD-ROMs.
package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexandremahdhaoui/cdromd/internal/driver/dbus"
)

const Name = "cdromctl"

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// cdromClient is the daemon API used by the commands.
type cdromClient interface {
	ChangeISO(ctx context.Context, path string, domid int) (bool, error)
	ListCDROMs(ctx context.Context) (map[int]int, error)
}

// dialFunc connects to the daemon. The returned func closes the connection.
type dialFunc func(config *dbus.ServerConfig) (cdromClient, func() error, error)

func main() {
	if err := newRootCmd(dialBus).Execute(); err != nil {
		os.Exit(1)
	}
}

func dialBus(config *dbus.ServerConfig) (cdromClient, func() error, error) {
	conn, err := dbus.Connect(config.Bus)
	if err != nil {
		return nil, nil, err
	}

	return dbus.NewClient(conn, config), conn.Close, nil
}

func newRootCmd(dial dialFunc) *cobra.Command {
	config := dbus.NewDefaultConfig()
	timeout := 2 * time.Minute

	rootCmd := &cobra.Command{
		Use:   Name,
		Short: "Change the images of guest CD-ROMs",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&config.Bus, "bus", config.Bus, "message bus of the daemon, system or session")
	rootCmd.PersistentFlags().StringVar(&config.Name, "name", config.Name, "bus name of the daemon")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", timeout, "maximum time to wait for the daemon")

	// withClient runs fn against a connected client bounded by the timeout flag.
	withClient := func(cmd *cobra.Command, fn func(ctx context.Context, c cdromClient) error) error {
		config.Interface = config.Name

		client, closeFn, err := dial(config)
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", config.Name, err)
		}
		defer func() { _ = closeFn() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		return fn(ctx, client)
	}

	change := func(cmd *cobra.Command, domid int, path string) error {
		return withClient(cmd, func(ctx context.Context, c cdromClient) error {
			ok, err := c.ChangeISO(ctx, path, domid)
			if err != nil {
				return err
			}

			if !ok {
				return fmt.Errorf("domain %d has no cdrom", domid)
			}

			return nil
		})
	}

	changeCmd := &cobra.Command{
		Use:   "change-iso <domid> <path>",
		Short: "Insert an image in the CD-ROM of a guest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			domid, err := parseDomID(args[0])
			if err != nil {
				return err
			}

			return change(cmd, domid, args[1])
		},
	}

	ejectCmd := &cobra.Command{
		Use:   "eject <domid>",
		Short: "Eject the image from the CD-ROM of a guest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domid, err := parseDomID(args[0])
			if err != nil {
				return err
			}

			return change(cmd, domid, "")
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the tap device bound to the CD-ROM of every guest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c cdromClient) error {
				cdroms, err := c.ListCDROMs(ctx)
				if err != nil {
					return err
				}

				printCDROMs(cmd.OutOrStdout(), cdroms)

				return nil
			})
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s) %s\n", Name, Version, CommitSHA, BuildTimestamp)
		},
	}

	rootCmd.AddCommand(changeCmd, ejectCmd, listCmd, versionCmd)

	return rootCmd
}

func parseDomID(s string) (int, error) {
	domid, err := strconv.Atoi(s)
	if err != nil || domid < 0 {
		return 0, fmt.Errorf("invalid domid %q", s)
	}

	return domid, nil
}

func printCDROMs(w io.Writer, cdroms map[int]int) {
	_, _ = fmt.Fprintln(w, "DOMID\tMINOR")

	for _, domid := range slices.Sorted(maps.Keys(cdroms)) {
		minor := "-"
		if m := cdroms[domid]; m >= 0 {
			minor = strconv.Itoa(m)
		}

		_, _ = fmt.Fprintf(w, "%d\t%s\n", domid, minor)
	}
}
