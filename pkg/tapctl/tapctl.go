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

// Package tapctl drives the blktap2 control utility.
package tapctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	utilexec "k8s.io/utils/exec"

	"github.com/alexandremahdhaoui/cdromd/pkg/execcontext"
)

var (
	ErrCommand       = errors.New("tap-ctl command failed")
	ErrParseList     = errors.New("parsing tap-ctl list output")
	ErrEmptyDevice   = errors.New("tap-ctl create returned no device")
	ErrInvalidTarget = errors.New("invalid tap device target")
)

// DefaultPath is the tap-ctl binary looked up in PATH.
const DefaultPath = "tap-ctl"

// Device is one entry of "tap-ctl list". Absent numeric fields are -1, absent strings are empty.
type Device struct {
	PID   int
	Minor int
	State int
	Type  string
	Path  string
}

// Client runs tap-ctl.
type Client struct {
	path    string
	execCtx execcontext.Context
	exec    utilexec.Interface
}

// Option configures a Client.
type Option func(*Client)

// WithPath sets the tap-ctl binary.
func WithPath(path string) Option {
	return func(c *Client) {
		c.path = path
	}
}

// WithExecContext sets the environment and prepended command of every invocation.
func WithExecContext(ctx execcontext.Context) Option {
	return func(c *Client) {
		c.execCtx = ctx
	}
}

// WithExec replaces the command runner.
func WithExec(e utilexec.Interface) Option {
	return func(c *Client) {
		c.exec = e
	}
}

// New returns a Client.
func New(opts ...Option) *Client {
	c := &Client{
		path:    DefaultPath,
		execCtx: execcontext.New(nil, nil),
		exec:    utilexec.New(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// --------------------------------------------------- OPERATIONS --------------------------------------------------- //

// List returns every tap device known to the control plane.
func (c *Client) List(ctx context.Context) ([]Device, error) {
	out, err := c.run(ctx, "list")
	if err != nil {
		return nil, err
	}

	return ParseList(out)
}

// Open attaches an image, given as "<kind>:<path>", to an existing tap device.
func (c *Client) Open(ctx context.Context, pid, minor int, descriptor string, readOnly bool) error {
	if err := validTarget(pid, minor); err != nil {
		return err
	}

	args := []string{"open", "-p", strconv.Itoa(pid), "-m", strconv.Itoa(minor), "-a", descriptor}
	if readOnly {
		args = append(args, "-R")
	}

	_, err := c.run(ctx, args...)

	return err
}

// Close detaches the image of a tap device, leaving the device allocated.
func (c *Client) Close(ctx context.Context, pid, minor int, force bool) error {
	if err := validTarget(pid, minor); err != nil {
		return err
	}

	args := []string{"close", "-p", strconv.Itoa(pid), "-m", strconv.Itoa(minor)}
	if force {
		args = append(args, "-f")
	}

	_, err := c.run(ctx, args...)

	return err
}

// Create allocates a tap device, spawns its tapdisk and attaches the image. It returns the device node.
func (c *Client) Create(ctx context.Context, descriptor string, readOnly bool) (string, error) {
	args := []string{"create", "-a", descriptor}
	if readOnly {
		args = append(args, "-R")
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}

	dev := strings.TrimSpace(string(out))
	if dev == "" {
		return "", ErrEmptyDevice
	}

	return dev, nil
}

// Destroy detaches the image, stops the tapdisk and frees the tap device.
func (c *Client) Destroy(ctx context.Context, pid, minor int) error {
	if err := validTarget(pid, minor); err != nil {
		return err
	}

	_, err := c.run(ctx, "destroy", "-p", strconv.Itoa(pid), "-m", strconv.Itoa(minor))

	return err
}

// ---------------------------------------------------- PARSING ----------------------------------------------------- //

// ParseList parses the output of "tap-ctl list". Both the "key=value" layout
//
//	pid=2139 minor=5 state=0 args=aio:/storage/isos/xc-tools.iso
//
// and the column layout
//
//	    2139    5  0x0        aio /storage/isos/xc-tools.iso
//
// are understood. A "-" column is an absent field.
func ParseList(out []byte) ([]Device, error) {
	var devices []Device

	for i, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var (
			d   Device
			err error
		)
		if strings.Contains(line, "=") {
			d, err = parseDictLine(line)
		} else {
			d, err = parseColumnLine(line)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d %q: %w", ErrParseList, i+1, line, err)
		}

		devices = append(devices, d)
	}

	return devices, nil
}

func parseDictLine(line string) (Device, error) {
	d := Device{PID: -1, Minor: -1, State: -1}

	// args is the last field and its path may contain spaces.
	if i := strings.Index(" "+line, " args="); i >= 0 {
		d.Type, d.Path = splitArgs(strings.TrimSpace(line[i+len("args="):]))
		line = line[:i]
	}

	for _, field := range strings.Fields(line) {
		k, v, _ := strings.Cut(field, "=")

		var err error
		switch k {
		case "pid":
			d.PID, err = parseInt(v)
		case "minor":
			d.Minor, err = parseInt(v)
		case "state":
			d.State, err = parseInt(v)
		}
		if err != nil {
			return Device{}, fmt.Errorf("field %s: %w", k, err)
		}
	}

	return d, nil
}

func parseColumnLine(line string) (Device, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Device{}, fmt.Errorf("expected 5 columns, got %d", len(fields))
	}

	var (
		d   Device
		err error
	)
	if d.PID, err = parseInt(fields[0]); err != nil {
		return Device{}, fmt.Errorf("pid: %w", err)
	}
	if d.Minor, err = parseInt(fields[1]); err != nil {
		return Device{}, fmt.Errorf("minor: %w", err)
	}
	if d.State, err = parseInt(fields[2]); err != nil {
		return Device{}, fmt.Errorf("state: %w", err)
	}
	if fields[3] != "-" {
		d.Type = fields[3]
	}
	if p := strings.Join(fields[4:], " "); p != "-" {
		d.Path = p
	}

	return d, nil
}

func parseInt(s string) (int, error) {
	if s == "-" || s == "" {
		return -1, nil
	}

	i, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		return -1, err
	}

	return int(i), nil
}

func splitArgs(v string) (string, string) {
	if v == "" || v == "-" {
		return "", ""
	}

	kind, p, ok := strings.Cut(v, ":")
	if !ok {
		return "", v
	}

	return kind, p
}

// ---------------------------------------------------- RUNNING ----------------------------------------------------- //

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	name, argv := execcontext.Argv(c.execCtx, c.path, args...)

	cmd := c.exec.CommandContext(ctx, name, argv...)
	if env := execcontext.Environ(c.execCtx); len(env) > 0 {
		cmd.SetEnv(append(os.Environ(), env...))
	}

	// Warnings on stderr must not reach the parsers.
	var stdout, stderr bytes.Buffer
	cmd.SetStdout(&stdout)
	cmd.SetStderr(&stderr)

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w: %s",
			ErrCommand,
			execcontext.FormatCmd(c.execCtx, append([]string{c.path}, args...)...),
			err,
			strings.TrimSpace(stderr.String()+"\n"+stdout.String()),
		)
	}

	return stdout.Bytes(), nil
}

func validTarget(pid, minor int) error {
	if pid < 0 || minor < 0 {
		return fmt.Errorf("%w: pid=%d minor=%d", ErrInvalidTarget, pid, minor)
	}

	return nil
}
