// Package execcontext describes the environment external commands run in: extra environment variables and a
// command prepended to every invocation (e.g. "sudo" or "chroot /host").
package execcontext

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// Argv returns the program to run and its arguments once the prepended command is applied.
func Argv(ctx Context, name string, args ...string) (string, []string) {
	prepend := ctx.PrependCmd()
	if len(prepend) == 0 {
		return name, args
	}

	out := make([]string, 0, len(prepend)+len(args))
	out = append(out, prepend[1:]...)
	out = append(out, name)
	out = append(out, args...)

	return prepend[0], out
}

// Environ returns the extra environment as sorted "KEY=value" entries.
func Environ(ctx Context) []string {
	envs := ctx.Envs()
	out := make([]string, 0, len(envs))
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		out = append(out, fmt.Sprintf("%s=%s", k, envs[k]))
	}

	return out
}

// FormatCmd renders the full command line, environment first, for logs and error messages.
func FormatCmd(ctx Context, cmd ...string) string {
	var sb strings.Builder

	envs := ctx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(strconv.Quote(envs[k]))
		sb.WriteByte(' ')
	}

	for _, s := range append(ctx.PrependCmd(), cmd...) {
		if _, ok := unquotable[s]; ok {
			sb.WriteString(s)
		} else {
			sb.WriteString(strconv.Quote(s))
		}
		sb.WriteByte(' ')
	}

	return strings.TrimSpace(sb.String())
}

var unquotable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"&":  {},
}
