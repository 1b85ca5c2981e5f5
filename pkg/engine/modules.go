package engine

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/plugins"
)

// ModuleContext is what a module sees of one host.
type ModuleContext struct {
	Host    string
	Args    string
	Session plugins.Session
	Shell   plugins.ShellPlugin
}

// Module executes a task on one host through an open session.
type Module func(ctx context.Context, mc ModuleContext) (*plugins.ExecResult, error)

var modules = map[string]Module{
	"ping":    runPing,
	"raw":     runRaw,
	"command": runCommand,
	"shell":   runShell,
	"script":  runScript,
}

// DefaultModule runs when a task names none.
const DefaultModule = "command"

// LookupModule returns the module registered under name.
func LookupModule(name string) (Module, bool) {
	m, ok := modules[name]
	return m, ok
}

// Modules lists the module names, sorted.
func Modules() []string {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func runPing(ctx context.Context, mc ModuleContext) (*plugins.ExecResult, error) {
	return mc.Session.Exec(ctx, "echo pong", nil)
}

// runRaw sends the argument string unmodified.
func runRaw(ctx context.Context, mc ModuleContext) (*plugins.ExecResult, error) {
	if strings.TrimSpace(mc.Args) == "" {
		return nil, errs.New(errs.CodeExecution, "raw requires a command").WithHost(mc.Host)
	}
	return mc.Session.Exec(ctx, mc.Args, nil)
}

// runCommand quotes every word so the shell performs no expansion.
func runCommand(ctx context.Context, mc ModuleContext) (*plugins.ExecResult, error) {
	return runParsed(ctx, mc, func(cmd string) (string, error) {
		words, err := SplitWords(cmd)
		if err != nil {
			return "", err
		}
		quoted := make([]string, len(words))
		for i, w := range words {
			if quoted[i], err = mc.Shell.Quote(w); err != nil {
				return "", err
			}
		}
		return strings.Join(quoted, " "), nil
	})
}

func runShell(ctx context.Context, mc ModuleContext) (*plugins.ExecResult, error) {
	return runParsed(ctx, mc, func(cmd string) (string, error) {
		return cmd, nil
	})
}

// runParsed handles chdir and creates around a rendered command.
func runParsed(ctx context.Context, mc ModuleContext, render func(string) (string, error)) (*plugins.ExecResult, error) {
	args, err := ParseArgs(mc.Args)
	if err != nil {
		return nil, errs.Wrap(errs.CodeExecution, "failed to parse module arguments", err).WithHost(mc.Host)
	}
	if strings.TrimSpace(args.Cmd) == "" {
		return nil, errs.New(errs.CodeExecution, "no command given").WithHost(mc.Host)
	}

	if args.Creates != "" {
		if res, skip, err := checkCreates(ctx, mc, args.Creates); err != nil || skip {
			return res, err
		}
	}

	cmd, err := render(args.Cmd)
	if err != nil {
		return nil, errs.Wrap(errs.CodeExecution, "failed to render command", err).WithHost(mc.Host)
	}
	if args.Chdir != "" {
		if cmd, err = chdir(mc.Shell, args.Chdir, cmd); err != nil {
			return nil, errs.Wrap(errs.CodeExecution, "failed to render command", err).WithHost(mc.Host)
		}
	}
	return mc.Session.Exec(ctx, cmd, nil)
}

func chdir(shell plugins.ShellPlugin, dir, cmd string) (string, error) {
	q, err := shell.Quote(dir)
	if err != nil {
		return "", err
	}
	return shell.Join("cd "+q, cmd)
}

// checkCreates reports skip when target exists on the host.
func checkCreates(ctx context.Context, mc ModuleContext, target string) (*plugins.ExecResult, bool, error) {
	checker, ok := mc.Shell.(plugins.PathChecker)
	if !ok {
		return nil, false, errs.New(errs.CodeExecution, "shell plugin does not support creates").WithHost(mc.Host)
	}
	cmd, err := checker.Exists(target)
	if err != nil {
		return nil, false, errs.Wrap(errs.CodeExecution, "failed to render creates check", err).WithHost(mc.Host)
	}
	res, err := mc.Session.Exec(ctx, cmd, nil)
	if err != nil {
		return res, false, err
	}
	if res.ExitCode != 0 {
		return nil, false, nil
	}
	return &plugins.ExecResult{
		Stdout:   fmt.Sprintf("skipped, since %s exists\n", target),
		Duration: res.Duration,
	}, true, nil
}

// runScript copies a local script into a private temporary directory on
// the host, runs it with the remaining words as arguments and removes the
// directory.
func runScript(ctx context.Context, mc ModuleContext) (*plugins.ExecResult, error) {
	args, err := ParseArgs(mc.Args)
	if err != nil {
		return nil, errs.Wrap(errs.CodeExecution, "failed to parse module arguments", err).WithHost(mc.Host)
	}
	words, err := SplitWords(args.Cmd)
	if err != nil || len(words) == 0 {
		return nil, errs.New(errs.CodeExecution, "script requires a local path").WithHost(mc.Host)
	}
	if args.Creates != "" {
		if res, skip, err := checkCreates(ctx, mc, args.Creates); err != nil || skip {
			return res, err
		}
	}

	data, err := os.ReadFile(words[0])
	if err != nil {
		return nil, errs.Wrap(errs.CodeExecution, "failed to read script", err).WithHost(mc.Host)
	}

	mktemp, err := mc.Shell.Mktemp("froyo-script")
	if err != nil {
		return nil, errs.Wrap(errs.CodeExecution, "failed to render mktemp", err).WithHost(mc.Host)
	}
	res, err := mc.Session.Exec(ctx, mktemp, nil)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, nil
	}
	dir := strings.TrimSpace(res.Stdout)
	if dir == "" {
		return nil, errs.New(errs.CodeExecution, "mktemp printed no directory").WithHost(mc.Host)
	}
	defer func() {
		if rm, err := mc.Shell.Rmdir(dir); err == nil {
			_, _ = mc.Session.Exec(context.WithoutCancel(ctx), rm, nil)
		}
	}()

	remote := path.Join(dir, filepath.Base(words[0]))
	if err := mc.Session.Put(ctx, data, remote, 0o700); err != nil {
		return nil, errs.Wrap(errs.CodeExecution, "failed to upload script", err).WithHost(mc.Host)
	}

	quoted := make([]string, len(words))
	for i, w := range append([]string{remote}, words[1:]...) {
		if quoted[i], err = mc.Shell.Quote(w); err != nil {
			return nil, errs.Wrap(errs.CodeExecution, "failed to render command", err).WithHost(mc.Host)
		}
	}
	cmd := strings.Join(quoted, " ")
	if args.Chdir != "" {
		if cmd, err = chdir(mc.Shell, args.Chdir, cmd); err != nil {
			return nil, errs.Wrap(errs.CodeExecution, "failed to render command", err).WithHost(mc.Host)
		}
	}
	return mc.Session.Exec(ctx, cmd, nil)
}
