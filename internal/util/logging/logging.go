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

// Package logging sets up the loggers shared by the cdromd binaries. Drivers log through log/slog, controllers
// through a logr.Logger backed by the same handler.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-logr/logr"
)

var ErrInvalidLevel = errors.New("invalid log level")

const (
	FormatJSON = "json"
	FormatText = "text"
)

// Options configures the logger behavior.
type Options struct {
	// Development selects the human-readable text handler.
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level

	// Output defaults to os.Stdout.
	Output io.Writer
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Development: false,
		Level:       slog.LevelInfo,
	}
}

// ParseOptions builds Options from the textual level ("debug", "info", "warn", "error") and format ("json", "text")
// found in configuration files.
func ParseOptions(level, format string) (Options, error) {
	opts := DefaultOptions()

	if level != "" {
		if err := opts.Level.UnmarshalText([]byte(level)); err != nil {
			return Options{}, fmt.Errorf("%w: %q", ErrInvalidLevel, level)
		}
	}

	switch strings.ToLower(format) {
	case "", FormatJSON:
	case FormatText:
		opts.Development = true
	default:
		return Options{}, fmt.Errorf("unknown log format %q", format)
	}

	return opts, nil
}

// Setup sets the default slog logger and returns a logr.Logger writing through the same handler.
// It must be called early in main() before anything logs.
func Setup(opts Options) logr.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	if opts.Development {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}

	slog.SetDefault(slog.New(handler))

	return logr.FromSlogHandler(handler)
}

// SetupDefault sets up logging with default options.
func SetupDefault() logr.Logger {
	return Setup(DefaultOptions())
}

// SetupDevelopment sets up logging in development mode.
func SetupDevelopment() logr.Logger {
	return Setup(Options{
		Development: true,
		Level:       slog.LevelDebug,
	})
}
