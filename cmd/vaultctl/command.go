package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// errUsage marks errors caused by bad command lines.
var errUsage = errors.New("usage")

// command is one node of the vaultctl command tree.
type command struct {
	name        string
	summary     string
	args        string
	flags       func(fs *pflag.FlagSet)
	subcommands []*command
	run         func(fs *pflag.FlagSet, args []string) error
}

func (c *command) execute(out io.Writer, path string, args []string) error {
	path = strings.TrimSpace(path + " " + c.name)

	if len(c.subcommands) > 0 {
		if len(args) == 0 || isHelp(args[0]) {
			c.printHelp(out, path)
			if len(args) == 0 {
				return fmt.Errorf("%w: %s needs a subcommand", errUsage, path)
			}
			return nil
		}
		for _, sub := range c.subcommands {
			if sub.name == args[0] {
				return sub.execute(out, path, args[1:])
			}
		}
		return fmt.Errorf("%w: unknown command %q, run '%s --help'", errUsage, args[0], path)
	}

	fs := pflag.NewFlagSet(path, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if c.flags != nil {
		c.flags(fs)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			c.printHelp(out, path)
			return nil
		}
		return fmt.Errorf("%w: %s: %w", errUsage, path, err)
	}
	return c.run(fs, fs.Args())
}

func (c *command) printHelp(out io.Writer, path string) {
	if len(c.subcommands) == 0 {
		fmt.Fprintf(out, "Usage: %s [flags] %s\n\n%s\n", path, c.args, c.summary)
		fs := pflag.NewFlagSet(path, pflag.ContinueOnError)
		if c.flags != nil {
			c.flags(fs)
		}
		if fs.HasFlags() {
			fmt.Fprintf(out, "\nFlags:\n%s", fs.FlagUsages())
		}
		return
	}

	fmt.Fprintf(out, "Usage: %s <command>\n\nCommands:\n", path)
	subs := append([]*command(nil), c.subcommands...)
	sort.Slice(subs, func(i, j int) bool { return subs[i].name < subs[j].name })
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, sub := range subs {
		fmt.Fprintf(tw, "  %s\t%s\n", sub.name, sub.summary)
	}
	tw.Flush()
}

func isHelp(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

func exactArgs(n int, args []string, names string) error {
	if len(args) != n {
		return fmt.Errorf("%w: expected %s", errUsage, names)
	}
	return nil
}
