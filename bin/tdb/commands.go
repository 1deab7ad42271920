package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pattyshack/tdb/debugger"
	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/stoppoint"
)

const (
	defaultMemoryReadSize   = 32
	defaultDisassembleCount = 5
)

type command struct {
	name    string
	aliases []string
	usage   string

	description string

	// The first argument is an address or symbol (used for completion).
	takesLocation bool

	quit bool

	run func(*repl, []string) error
}

func (cmd *command) usageError() error {
	return fmt.Errorf(
		"%w. usage: %s %s",
		ErrInvalidArgument,
		cmd.name,
		cmd.usage)
}

func newCommands() []*command {
	cmds := []*command{
		{
			name:          "breakpoint",
			aliases:       []string{"break", "b"},
			usage:         "<address|symbol[+offset]>",
			description:   "set a software breakpoint",
			takesLocation: true,
		},
		{
			name:          "watchpoint",
			aliases:       []string{"watch"},
			usage:         "<address|symbol> <1|2|4|8> <w|rw>",
			description:   "set a hardware watchpoint",
			takesLocation: true,
		},
		{
			name:          "delete",
			usage:         "breakpoint <address|symbol> | watchpoint <id|symbol>",
			description:   "remove a breakpoint or watchpoint",
			takesLocation: true,
		},
		{
			name:          "enable",
			usage:         "<address|symbol>",
			description:   "enable a breakpoint",
			takesLocation: true,
		},
		{
			name:          "disable",
			usage:         "<address|symbol>",
			description:   "disable a breakpoint",
			takesLocation: true,
		},
		{
			name:        "run",
			aliases:     []string{"r"},
			description: "launch the program and run until it stops",
		},
		{
			name:        "continue",
			aliases:     []string{"c"},
			description: "resume the program",
		},
		{
			name:        "stepi",
			aliases:     []string{"si"},
			description: "execute a single instruction",
		},
		{
			name:        "info",
			usage:       "registers | breakpoints | watchpoints | status",
			description: "show debugger state",
		},
		{
			name:        "register",
			usage:       "read <name> | write <name> <value>",
			description: "read or write one register",
		},
		{
			name:          "memory",
			aliases:       []string{"x"},
			usage:         "read <address|symbol> [size]",
			description:   "hex dump memory (breakpoint bytes are masked)",
			takesLocation: true,
		},
		{
			name:          "disassemble",
			aliases:       []string{"disas"},
			usage:         "[address|symbol] [count]",
			description:   "disassemble instructions (default: at pc)",
			takesLocation: true,
		},
		{
			name:        "kill",
			description: "terminate the program",
		},
		{
			name:        "detach",
			description: "remove every stop point and let the program run",
		},
		{
			name:        "quit",
			aliases:     []string{"q", "exit"},
			description: "leave the debugger",
			quit:        true,
		},
		{
			name:        "help",
			aliases:     []string{"h"},
			description: "list commands",
		},
	}

	runs := map[string]func(*command, *repl, []string) error{
		"breakpoint":  setBreakpoint,
		"watchpoint":  setWatchpoint,
		"delete":      deleteStopPoint,
		"enable":      toggleBreakpoint,
		"disable":     toggleBreakpoint,
		"run":         runProgram,
		"continue":    continueProgram,
		"stepi":       stepInstruction,
		"info":        info,
		"register":    register,
		"memory":      readMemory,
		"disassemble": disassemble,
		"kill":        kill,
		"detach":      detach,
		"help":        help,
	}

	for _, cmd := range cmds {
		run, ok := runs[cmd.name]
		if !ok {
			continue
		}

		bound := cmd
		cmd.run = func(r *repl, args []string) error {
			return run(bound, r, args)
		}
	}

	return cmds
}

// Matches args[0] against the subcommand names by unique prefix.
func subCommand(args []string, names ...string) (string, bool) {
	if len(args) == 0 {
		return "", false
	}

	match := ""
	for _, name := range names {
		if name == args[0] {
			return name, true
		}

		if strings.HasPrefix(name, args[0]) {
			if match != "" {
				return "", false
			}
			match = name
		}
	}

	return match, match != ""
}

func reportStop(r *repl, status *debugger.Status, err error) error {
	if status != nil {
		if !r.printer.isYaml() {
			for _, dropped := range status.Dropped {
				r.printer.println("warning:", dropped)
			}
		}

		printErr := r.printer.value(status)
		if err == nil {
			err = printErr
		}
	}
	return err
}

func setBreakpoint(cmd *command, r *repl, args []string) error {
	if len(args) != 1 {
		return cmd.usageError()
	}

	bp, err := r.session.Breakpoint(args[0])
	if err != nil {
		return err
	}

	if bp == nil {
		r.printer.printf("breakpoint at %s pending until run\n", args[0])
		return nil
	}

	r.printer.println("set", bp)
	return nil
}

func setWatchpoint(cmd *command, r *repl, args []string) error {
	if len(args) != 3 {
		return cmd.usageError()
	}

	size, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("%w. invalid size (%s)", ErrInvalidArgument, args[1])
	}

	mode, err := stoppoint.ParseWatchMode(args[2])
	if err != nil {
		return err
	}

	wp, err := r.session.Watchpoint(args[0], size, mode)
	if err != nil {
		return err
	}

	if wp == nil {
		r.printer.printf("watchpoint at %s pending until run\n", args[0])
		return nil
	}

	r.printer.println("set", wp)
	return nil
}

func deleteStopPoint(cmd *command, r *repl, args []string) error {
	kind, ok := subCommand(args, "breakpoint", "watchpoint")
	if !ok || len(args) != 2 {
		return cmd.usageError()
	}

	if kind == "breakpoint" {
		return r.session.DeleteBreakpoint(args[1])
	}

	id, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return r.session.DeletePendingWatchpoint(args[1])
	}
	return r.session.DeleteWatchpoint(id)
}

func toggleBreakpoint(cmd *command, r *repl, args []string) error {
	if len(args) != 1 {
		return cmd.usageError()
	}

	if cmd.name == "enable" {
		return r.session.EnableBreakpoint(args[0])
	}
	return r.session.DisableBreakpoint(args[0])
}

func runProgram(cmd *command, r *repl, args []string) error {
	if len(args) != 0 {
		return cmd.usageError()
	}

	status, err := r.session.Run()
	if err != nil && errors.Is(err, ErrLaunch) {
		r.launchFailed = true
		return err
	}

	if status != nil {
		r.launchFailed = false
	}
	return reportStop(r, status, err)
}

func continueProgram(cmd *command, r *repl, args []string) error {
	if len(args) != 0 {
		return cmd.usageError()
	}

	status, err := r.session.Continue()
	return reportStop(r, status, err)
}

func stepInstruction(cmd *command, r *repl, args []string) error {
	if len(args) != 0 {
		return cmd.usageError()
	}

	status, err := r.session.StepInstruction()
	return reportStop(r, status, err)
}

func info(cmd *command, r *repl, args []string) error {
	what, ok := subCommand(
		args,
		"registers",
		"breakpoints",
		"watchpoints",
		"status")
	if !ok || len(args) != 1 {
		return cmd.usageError()
	}

	switch what {
	case "registers":
		state, err := r.session.InfoRegisters()
		if err != nil {
			return err
		}
		return r.printer.registers(state.GeneralPurpose())
	case "breakpoints":
		return r.printer.breakpoints(
			r.session.Breakpoints.List(),
			r.session.PendingBreakpoints())
	case "watchpoints":
		return r.printer.watchpoints(
			r.session.Watchpoints.List(),
			r.session.PendingWatchpoints())
	default:
		return r.printer.value(r.session.LastStatus())
	}
}

func register(cmd *command, r *repl, args []string) error {
	op, ok := subCommand(args, "read", "write")
	if !ok {
		return cmd.usageError()
	}

	if op == "read" {
		if len(args) != 2 {
			return cmd.usageError()
		}

		reg, value, err := r.session.ReadRegister(args[1])
		if err != nil {
			return err
		}
		return r.printer.register(reg, value)
	}

	if len(args) != 3 {
		return cmd.usageError()
	}
	return r.session.WriteRegister(args[1], args[2])
}

func readMemory(cmd *command, r *repl, args []string) error {
	_, ok := subCommand(args, "read")
	if !ok || len(args) < 2 || len(args) > 3 {
		return cmd.usageError()
	}

	size := defaultMemoryReadSize
	if len(args) == 3 {
		value, err := strconv.ParseInt(args[2], 0, 32)
		if err != nil || value < 1 {
			return fmt.Errorf("%w. invalid size (%s)", ErrInvalidArgument, args[2])
		}
		size = int(value)
	}

	address, err := r.session.ResolveLocation(args[1])
	if err != nil {
		return err
	}

	data, err := r.session.ReadMemory(address.String(), size)
	if err != nil {
		return err
	}

	return r.printer.memory(address, data)
}

func disassemble(cmd *command, r *repl, args []string) error {
	if len(args) > 2 {
		return cmd.usageError()
	}

	location := ""
	if len(args) > 0 {
		location = args[0]
	}

	count := defaultDisassembleCount
	if len(args) == 2 {
		value, err := strconv.ParseInt(args[1], 0, 32)
		if err != nil || value < 1 {
			return fmt.Errorf("%w. invalid count (%s)", ErrInvalidArgument, args[1])
		}
		count = int(value)
	}

	instructions, err := r.session.Disassemble(location, count)
	if err != nil {
		return err
	}

	return r.printer.instructions(instructions, r.session.Describe)
}

func kill(cmd *command, r *repl, args []string) error {
	if len(args) != 0 {
		return cmd.usageError()
	}

	status, err := r.session.Kill()
	return reportStop(r, status, err)
}

func detach(cmd *command, r *repl, args []string) error {
	if len(args) != 0 {
		return cmd.usageError()
	}

	status, err := r.session.Detach()
	return reportStop(r, status, err)
}

func help(cmd *command, r *repl, args []string) error {
	for _, c := range newCommands() {
		names := append([]string{c.name}, c.aliases...)
		r.printer.printf("  %s %s\n", strings.Join(names, "/"), c.usage)
		r.printer.printf("      %s\n", c.description)
	}
	return nil
}
