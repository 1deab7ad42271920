package main

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/pattyshack/tdb/config"
	"github.com/pattyshack/tdb/debugger"
	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/inferior"
	"github.com/pattyshack/tdb/debugger/inferior/inferiortest"
)

type REPLSuite struct{}

func TestREPL(t *testing.T) {
	suite.RunTests(t, &REPLSuite{})
}

func newTestREPL(
	launch debugger.Launcher,
	format string,
) (
	*repl,
	*bytes.Buffer,
) {
	out := &bytes.Buffer{}
	cfg := &config.Config{
		Prompt: "tdb > ",
		Output: format,
	}

	return &repl{
		cfg:     cfg,
		session: debugger.NewSession("/bin/true", nil, launch, nil),
		printer: printer{
			out:    out,
			format: format,
		},
		commands: newCommandTrie(),
		reader:   scannerReader{},
	}, out
}

func simulated(proc *inferiortest.Process) debugger.Launcher {
	return func(path string, args []string) (inferior.Handle, error) {
		return proc, nil
	}
}

func (REPLSuite) TestLookup(t *testing.T) {
	r, _ := newTestREPL(nil, config.TextOutput)

	cmd, err := r.lookup("b")
	expect.Nil(t, err)
	expect.Equal(t, "breakpoint", cmd.name)

	cmd, err = r.lookup("cont")
	expect.Nil(t, err)
	expect.Equal(t, "continue", cmd.name)

	cmd, err = r.lookup("si")
	expect.Nil(t, err)
	expect.Equal(t, "stepi", cmd.name)

	cmd, err = r.lookup("watchp")
	expect.Nil(t, err)
	expect.Equal(t, "watchpoint", cmd.name)

	_, err = r.lookup("d")
	expect.Error(t, err, "ambiguous command (d): delete, detach, disable, disassemble")

	_, err = r.lookup("frobnicate")
	expect.Error(t, err, "unknown command (frobnicate)")
}

func (REPLSuite) TestSplitArgs(t *testing.T) {
	args, err := splitArgs(`break "main"`)
	expect.Nil(t, err)
	expect.Equal(t, "break,main", strings.Join(args, ","))

	args, err = splitArgs("watch   0x8000 4 rw")
	expect.Nil(t, err)
	expect.Equal(t, 4, len(args))

	_, err = splitArgs("info status | grep pc")
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

func (REPLSuite) TestSubCommand(t *testing.T) {
	name, ok := subCommand([]string{"reg"}, "registers", "breakpoints")
	expect.True(t, ok)
	expect.Equal(t, "registers", name)

	_, ok = subCommand([]string{"w"}, "watchpoints", "write")
	expect.False(t, ok)

	_, ok = subCommand(nil, "registers")
	expect.False(t, ok)
}

func (REPLSuite) TestBreakpointSession(t *testing.T) {
	proc := inferiortest.New(0x1000)
	proc.SetMemory(0x1000, []byte{0x55})
	proc.ExitAt(0x1001, 3)

	r, out := newTestREPL(simulated(proc), config.TextOutput)

	for _, line := range []string{
		"break 0x1000",
		"info breakpoints",
		"run",
		"register read rip",
		"memory read 0x1000 2",
		"continue",
	} {
		expect.False(t, r.execute(line))
	}

	text := out.String()
	expect.True(t, strings.Contains(text, "set breakpoint"))
	expect.True(t, strings.Contains(text, "Current breakpoints"))
	expect.True(t, strings.Contains(
		text,
		"process 4242 stopped\n  at: 0x0000000000001000"))
	expect.True(t, strings.Contains(text, "rip: 0x0000000000001000"))
	expect.True(t, strings.Contains(text, "0x0000000000001000: 55 90"))
	expect.True(t, strings.Contains(text, "process 4242 exited with status: 3"))
	expect.False(t, strings.Contains(text, "error:"))
	expect.False(t, r.launchFailed)
}

func (REPLSuite) TestInvalidTransitionIsReported(t *testing.T) {
	r, out := newTestREPL(nil, config.TextOutput)

	expect.False(t, r.execute("continue"))
	expect.True(t, strings.Contains(
		out.String(),
		"error: invalid state transition. cannot continue while not started"))
}

func (REPLSuite) TestLaunchFailure(t *testing.T) {
	r, out := newTestREPL(
		func(path string, args []string) (inferior.Handle, error) {
			return nil, errors.New("exec format error")
		},
		config.TextOutput)

	expect.False(t, r.execute("run"))
	expect.True(t, r.launchFailed)
	expect.True(t, strings.Contains(out.String(), "exec format error"))
	expect.Equal(t, debugger.NotStarted, r.session.State())
}

func (REPLSuite) TestQuit(t *testing.T) {
	proc := inferiortest.New(0x1000)

	r, _ := newTestREPL(simulated(proc), config.TextOutput)

	expect.False(t, r.execute("break 0x1004"))
	expect.False(t, r.execute("run"))

	// Non-interactive quits never ask.
	expect.True(t, r.execute("quit"))

	err := r.session.Close()
	expect.Nil(t, err)
	expect.Equal(t, inferior.Exited, proc.State())
}

func (REPLSuite) TestYamlOutput(t *testing.T) {
	proc := inferiortest.New(0x1000)
	proc.ExitAt(0x1008, 0)

	r, out := newTestREPL(simulated(proc), config.YamlOutput)

	expect.False(t, r.execute("break 0x1004"))
	expect.False(t, r.execute("run"))
	expect.False(t, r.execute("info registers"))
	expect.False(t, r.execute("continue"))

	text := out.String()
	expect.True(t, strings.Contains(text, "state: stopped at breakpoint"))
	expect.True(t, strings.Contains(text, "name: rax"))
	expect.True(t, strings.Contains(text, "exit-code: 0"))
}

func (REPLSuite) TestCompleteCommands(t *testing.T) {
	r, _ := newTestREPL(nil, config.TextOutput)

	candidates, length := completer{repl: r}.Do([]rune("bre"), 3)
	expect.Equal(t, 3, length)
	expect.Equal(t, 2, len(candidates))
	expect.Equal(t, "ak ", string(candidates[0]))
	expect.Equal(t, "akpoint ", string(candidates[1]))

	// Empty resolver has nothing to complete.
	candidates, _ = completer{repl: r}.Do([]rune("break ma"), 8)
	expect.Equal(t, 0, len(candidates))
}

func (REPLSuite) TestLaunchOptionsShareStdStreams(t *testing.T) {
	options := launchOptions(&config.Config{
		DisableASLR: true,
	})
	expect.True(t, options.DisableASLR)
	expect.False(t, options.TTY)
	expect.True(t, options.Stdin == os.Stdin)
	expect.True(t, options.Stdout == os.Stdout)
	expect.True(t, options.Stderr == os.Stderr)
}
