package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/cosiner/argv"
	"github.com/derekparker/trie"
	"github.com/mattn/go-isatty"

	"github.com/pattyshack/tdb/config"
	"github.com/pattyshack/tdb/debugger"
	. "github.com/pattyshack/tdb/debugger/common"
)

type lineReader interface {
	Readline() (string, error)
	Close() error
}

// Reads commands from a pipe or file.
type scannerReader struct {
	scanner *bufio.Scanner
}

func (reader scannerReader) Readline() (string, error) {
	if reader.scanner.Scan() {
		return reader.scanner.Text(), nil
	}

	err := reader.scanner.Err()
	if err != nil {
		return "", err
	}
	return "", io.EOF
}

func (scannerReader) Close() error {
	return nil
}

type symbolCompleter interface {
	Complete(prefix string) []string
}

type repl struct {
	cfg     *config.Config
	session *debugger.Session
	printer printer

	// command name / alias -> *command
	commands *trie.Trie

	reader lineReader

	// nil when reading from a pipe or file.
	rl *readline.Instance

	launchFailed bool
	lastLine     string
}

func newREPL(
	cfg *config.Config,
	session *debugger.Session,
	in *os.File,
	out io.Writer,
) (
	*repl,
	error,
) {
	r := &repl{
		cfg:     cfg,
		session: session,
		printer: printer{
			out:    out,
			format: cfg.Output,
		},
		commands: newCommandTrie(),
	}

	if !isatty.IsTerminal(in.Fd()) {
		r.reader = scannerReader{scanner: bufio.NewScanner(in)}
		return r, nil
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          cfg.Prompt,
		HistoryFile:     cfg.HistoryFile,
		AutoComplete:    completer{repl: r},
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		Stdin:           in,
		Stdout:          out,
	})
	if err != nil {
		return nil, err
	}

	r.rl = rl
	r.reader = rl
	return r, nil
}

func newCommandTrie() *trie.Trie {
	commands := trie.New()
	for _, cmd := range newCommands() {
		commands.Add(cmd.name, cmd)
		for _, alias := range cmd.aliases {
			commands.Add(alias, cmd)
		}
	}
	return commands
}

func (r *repl) Close() error {
	return r.reader.Close()
}

func (r *repl) isInteractive() bool {
	return r.rl != nil
}

// Loop runs until quit or end of input.
func (r *repl) Loop() {
	for {
		line, err := r.reader.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}

			if !errors.Is(err, io.EOF) {
				r.printer.println("failed to read command:", err)
			}

			if r.confirmQuit() {
				return
			}
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" && r.isInteractive() {
			line = r.lastLine
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r.lastLine = line

		if r.execute(line) {
			return
		}
	}
}

func splitArgs(line string) ([]string, error) {
	groups, err := argv.Argv(
		line,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, fmt.Errorf("%w. %w", ErrInvalidArgument, err)
	}

	if len(groups) != 1 || len(groups[0]) == 0 {
		return nil, fmt.Errorf("%w. illegal command line (%s)", ErrInvalidArgument, line)
	}

	return groups[0], nil
}

// Exact names and aliases win.  Otherwise the name must be a prefix of
// exactly one command.
func (r *repl) lookup(name string) (*command, error) {
	node, ok := r.commands.Find(name)
	if ok {
		return node.Meta().(*command), nil
	}

	matches := []*command{}
	names := []string{}
	for _, key := range r.commands.PrefixSearch(name) {
		node, ok := r.commands.Find(key)
		if !ok {
			continue
		}

		cmd := node.Meta().(*command)
		found := false
		for _, match := range matches {
			if match == cmd {
				found = true
				break
			}
		}

		if !found {
			matches = append(matches, cmd)
			names = append(names, cmd.name)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w. unknown command (%s)", ErrInvalidArgument, name)
	case 1:
		return matches[0], nil
	default:
		sort.Strings(names)
		return nil, fmt.Errorf(
			"%w. ambiguous command (%s): %s",
			ErrInvalidArgument,
			name,
			strings.Join(names, ", "))
	}
}

// Returns true when the loop should exit.
func (r *repl) execute(line string) bool {
	args, err := splitArgs(line)
	if err != nil {
		r.printer.println("error:", err)
		return false
	}

	cmd, err := r.lookup(args[0])
	if err != nil {
		r.printer.println("error:", err)
		return false
	}

	if cmd.quit {
		return r.confirmQuit()
	}

	err = cmd.run(r, args[1:])
	if err != nil {
		r.printer.println("error:", err)
	}
	return false
}

// A live process is killed on quit.  Interactive operators are asked first.
func (r *repl) confirmQuit() bool {
	handle := r.session.Handle()
	if handle == nil || !r.isInteractive() {
		return true
	}

	r.rl.SetPrompt(fmt.Sprintf(
		"process %d is still alive. kill it and quit? [y/N] ",
		handle.Pid()))
	defer r.rl.SetPrompt(r.cfg.Prompt)

	answer, err := r.rl.Readline()
	if err != nil {
		return errors.Is(err, io.EOF)
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

type completer struct {
	repl *repl
}

// Completes command names, and symbol names for commands which take a
// location.
func (c completer) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])
	fields := strings.Fields(text)
	endsWithSpace := strings.HasSuffix(text, " ")

	prefix := ""
	if len(fields) > 0 && !endsWithSpace {
		prefix = fields[len(fields)-1]
	}

	candidates := []string{}
	if len(fields) == 0 || (len(fields) == 1 && !endsWithSpace) {
		candidates = c.repl.commands.PrefixSearch(prefix)
	} else {
		cmd, err := c.repl.lookup(fields[0])
		if err != nil || !cmd.takesLocation {
			return nil, 0
		}

		symbols, ok := c.repl.session.Resolver().(symbolCompleter)
		if !ok {
			return nil, 0
		}
		candidates = symbols.Complete(prefix)
	}

	sort.Strings(candidates)

	result := [][]rune{}
	for _, candidate := range candidates {
		result = append(result, []rune(candidate[len(prefix):]+" "))
	}
	return result, len([]rune(prefix))
}
