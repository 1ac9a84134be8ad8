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

//go:build unit

package tapctl_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	utilexec "k8s.io/utils/exec"
	testingexec "k8s.io/utils/exec/testing"

	"github.com/alexandremahdhaoui/cdromd/pkg/execcontext"
	"github.com/alexandremahdhaoui/cdromd/pkg/tapctl"
)

func TestParseList(t *testing.T) {
	for _, tc := range []struct {
		name     string
		out      string
		expected []tapctl.Device
	}{
		{
			name: "dict layout",
			out: "pid=2139 minor=5 state=0 args=aio:/storage/isos/xc-tools.iso\n" +
				"pid=2140 minor=4 state=0x2 args=\n",
			expected: []tapctl.Device{
				{PID: 2139, Minor: 5, State: 0, Type: "aio", Path: "/storage/isos/xc-tools.iso"},
				{PID: 2140, Minor: 4, State: 2},
			},
		},
		{
			name: "column layout",
			out: "    2139    5  0x0        aio /storage/isos/xc-tools.iso\n" +
				"       -    7     -          -  -\n",
			expected: []tapctl.Device{
				{PID: 2139, Minor: 5, State: 0, Type: "aio", Path: "/storage/isos/xc-tools.iso"},
				{PID: -1, Minor: 7, State: -1},
			},
		},
		{
			name: "dict layout with spaces in path",
			out:  "pid=2139 minor=5 state=0 args=aio:/storage/isos/My Tools.iso\n",
			expected: []tapctl.Device{
				{PID: 2139, Minor: 5, State: 0, Type: "aio", Path: "/storage/isos/My Tools.iso"},
			},
		},
		{
			name: "empty",
			out:  "\n",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			actual, err := tapctl.ParseList([]byte(tc.out))
			require.NoError(t, err)
			assert.Equal(t, tc.expected, actual)
		})
	}

	t.Run("malformed", func(t *testing.T) {
		_, err := tapctl.ParseList([]byte("pid=abc minor=1\n"))
		assert.ErrorIs(t, err, tapctl.ErrParseList)

		_, err = tapctl.ParseList([]byte("1 2 3\n"))
		assert.ErrorIs(t, err, tapctl.ErrParseList)
	})
}

func TestClient(t *testing.T) {
	var (
		ctx  context.Context
		cmd  *testingexec.FakeCmd
		fake *testingexec.FakeExec
	)

	setupWithStderr := func(t *testing.T, out, stderr string, err error) {
		t.Helper()

		ctx = context.Background()
		cmd = &testingexec.FakeCmd{
			RunScript: []testingexec.FakeAction{
				func() ([]byte, []byte, error) { return []byte(out), []byte(stderr), err },
			},
		}
		fake = &testingexec.FakeExec{
			CommandScript: []testingexec.FakeCommandAction{
				func(name string, args ...string) utilexec.Cmd {
					return testingexec.InitFakeCmd(cmd, name, args...)
				},
			},
		}
	}

	setup := func(t *testing.T, out string, err error) {
		t.Helper()
		setupWithStderr(t, out, "", err)
	}

	t.Run("Create", func(t *testing.T) {
		setup(t, "/dev/xen/blktap-2/tapdev5\n", nil)

		c := tapctl.New(tapctl.WithExec(fake))
		dev, err := c.Create(ctx, "aio:/iso/c.iso", true)
		require.NoError(t, err)
		assert.Equal(t, "/dev/xen/blktap-2/tapdev5", dev)
		assert.Equal(t, []string{"tap-ctl", "create", "-a", "aio:/iso/c.iso", "-R"}, cmd.Argv)
	})

	t.Run("OpenWithPrependedCommand", func(t *testing.T) {
		setup(t, "", nil)

		c := tapctl.New(
			tapctl.WithExec(fake),
			tapctl.WithPath("/usr/sbin/tap-ctl"),
			tapctl.WithExecContext(execcontext.New(map[string]string{"LANG": "C"}, []string{"chroot", "/host"})),
		)
		require.NoError(t, c.Open(ctx, 2139, 4, "aio:/iso/b.iso", true))
		assert.Equal(t, []string{
			"chroot", "/host", "/usr/sbin/tap-ctl", "open", "-p", "2139", "-m", "4", "-a", "aio:/iso/b.iso", "-R",
		}, cmd.Argv)
		assert.Contains(t, cmd.Env, "LANG=C")
	})

	t.Run("Close", func(t *testing.T) {
		setup(t, "", nil)

		c := tapctl.New(tapctl.WithExec(fake))
		require.NoError(t, c.Close(ctx, 2139, 4, false))
		assert.Equal(t, []string{"tap-ctl", "close", "-p", "2139", "-m", "4"}, cmd.Argv)
	})

	t.Run("Destroy", func(t *testing.T) {
		setup(t, "", nil)

		c := tapctl.New(tapctl.WithExec(fake))
		require.NoError(t, c.Destroy(ctx, 2139, 4))
		assert.Equal(t, []string{"tap-ctl", "destroy", "-p", "2139", "-m", "4"}, cmd.Argv)
	})

	t.Run("List", func(t *testing.T) {
		setup(t, "pid=1 minor=0 state=0 args=aio:/iso/a.iso\n", nil)

		c := tapctl.New(tapctl.WithExec(fake))
		devices, err := c.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []tapctl.Device{{PID: 1, Minor: 0, State: 0, Type: "aio", Path: "/iso/a.iso"}}, devices)
	})

	t.Run("ListIgnoresStderr", func(t *testing.T) {
		setupWithStderr(t,
			"pid=1 minor=0 state=0 args=aio:/iso/a.iso\n",
			"warning: tapdisk 7 not responding\n",
			nil)

		c := tapctl.New(tapctl.WithExec(fake))
		devices, err := c.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []tapctl.Device{{PID: 1, Minor: 0, State: 0, Type: "aio", Path: "/iso/a.iso"}}, devices)
	})

	t.Run("CreateIgnoresStderr", func(t *testing.T) {
		setupWithStderr(t, "/dev/xen/blktap-2/tapdev5\n", "warning: slow storage\n", nil)

		c := tapctl.New(tapctl.WithExec(fake))
		dev, err := c.Create(ctx, "aio:/iso/c.iso", true)
		require.NoError(t, err)
		assert.Equal(t, "/dev/xen/blktap-2/tapdev5", dev)
	})

	t.Run("CommandFailure", func(t *testing.T) {
		setupWithStderr(t, "", "failed to open", &testingexec.FakeExitError{Status: 1})

		c := tapctl.New(tapctl.WithExec(fake))
		err := c.Close(ctx, 1, 2, false)
		assert.ErrorIs(t, err, tapctl.ErrCommand)
		assert.ErrorContains(t, err, "failed to open")
	})

	t.Run("InvalidTarget", func(t *testing.T) {
		setup(t, "", nil)

		c := tapctl.New(tapctl.WithExec(fake))
		assert.ErrorIs(t, c.Destroy(ctx, -1, 4), tapctl.ErrInvalidTarget)
		assert.Zero(t, fake.CommandCalls)
	})
}
