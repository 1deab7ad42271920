package main

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pattyshack/tdb/config"
	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/memory"
	"github.com/pattyshack/tdb/debugger/registers"
	"github.com/pattyshack/tdb/debugger/stoppoint"
)

const bytesPerLine = 16

type printer struct {
	out    io.Writer
	format string
}

func (p printer) isYaml() bool {
	return p.format == config.YamlOutput
}

func (p printer) println(args ...interface{}) {
	fmt.Fprintln(p.out, args...)
}

func (p printer) printf(format string, args ...interface{}) {
	fmt.Fprintf(p.out, format, args...)
}

func (p printer) yaml(value interface{}) error {
	encoder := yaml.NewEncoder(p.out)
	encoder.SetIndent(2)

	err := encoder.Encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	return encoder.Close()
}

// Prints fmt.Stringer values as is in text mode.
func (p printer) value(value fmt.Stringer) error {
	if p.isYaml() {
		return p.yaml(value)
	}

	p.println(value)
	return nil
}

func (p printer) registers(values []registers.NamedValue) error {
	if p.isYaml() {
		return p.yaml(values)
	}

	for _, named := range values {
		format := "%s:\t\t%s\n"
		if len(named.Name) >= 7 {
			format = "%s:\t%s\n"
		}
		p.printf(format, named.Name, named.Value)
	}
	return nil
}

func (p printer) register(reg registers.Spec, value registers.Value) error {
	if p.isYaml() {
		return p.yaml(registers.NamedValue{Name: reg.Name, Value: value})
	}

	p.printf("%s: %s\n", reg.Name, value)
	return nil
}

type memoryLine struct {
	Address string `yaml:"address"`
	Bytes   string `yaml:"bytes"`
}

func (p printer) memory(address VirtualAddress, data []byte) error {
	lines := []memoryLine{}
	for len(data) > 0 {
		size := bytesPerLine
		if len(data) < size {
			size = len(data)
		}

		hex := []string{}
		for _, b := range data[:size] {
			hex = append(hex, fmt.Sprintf("%02x", b))
		}

		lines = append(
			lines,
			memoryLine{
				Address: address.String(),
				Bytes:   strings.Join(hex, " "),
			})

		data = data[size:]
		address += VirtualAddress(size)
	}

	if p.isYaml() {
		return p.yaml(lines)
	}

	for _, line := range lines {
		p.printf("%s: %s\n", line.Address, line.Bytes)
	}
	return nil
}

type instructionLine struct {
	Address     string `yaml:"address"`
	Instruction string `yaml:"instruction"`
	Symbol      string `yaml:"symbol,omitempty"`
}

func (p printer) instructions(
	instructions []memory.DisassembledInstruction,
	describe func(VirtualAddress) (string, bool),
) error {
	if p.isYaml() {
		lines := []instructionLine{}
		for _, inst := range instructions {
			symbol, _ := describe(inst.Address)
			lines = append(
				lines,
				instructionLine{
					Address:     inst.Address.String(),
					Instruction: strings.TrimPrefix(
						inst.String(),
						inst.Address.String()+": "),
					Symbol: symbol,
				})
		}
		return p.yaml(lines)
	}

	for _, inst := range instructions {
		symbol, ok := describe(inst.Address)
		if ok {
			p.printf("<%s>\n", symbol)
		}
		p.println("  ", inst)
	}
	return nil
}

type breakpointLine struct {
	Id       uint64 `yaml:"id,omitempty"`
	Address  string `yaml:"address,omitempty"`
	Location string `yaml:"location"`
	Enabled  bool   `yaml:"enabled"`
	State    string `yaml:"state"`
	Hits     int    `yaml:"hits"`
}

func (p printer) breakpoints(
	list []*stoppoint.Breakpoint,
	pending []string,
) error {
	if p.isYaml() {
		lines := []breakpointLine{}
		for _, bp := range list {
			lines = append(
				lines,
				breakpointLine{
					Id:       bp.Id(),
					Address:  bp.Address().String(),
					Location: bp.Location(),
					Enabled:  bp.IsEnabled(),
					State:    string(bp.State()),
					Hits:     bp.HitCount(),
				})
		}
		for _, location := range pending {
			lines = append(
				lines,
				breakpointLine{
					Location: location,
					Enabled:  true,
					State:    "pending",
				})
		}
		return p.yaml(lines)
	}

	if len(list) == 0 && len(pending) == 0 {
		p.println("No breakpoints set")
		return nil
	}

	p.println("Current breakpoints")
	for _, bp := range list {
		p.println("  ", bp)
	}
	for _, location := range pending {
		p.printf("   pending breakpoint at %s (resolved on run)\n", location)
	}
	return nil
}

type watchpointLine struct {
	Id       uint64 `yaml:"id,omitempty"`
	Address  string `yaml:"address,omitempty"`
	Location string `yaml:"location"`
	Mode     string `yaml:"mode,omitempty"`
	Size     int    `yaml:"size,omitempty"`
	Slot     int    `yaml:"slot"`
	Hits     int    `yaml:"hits"`
	Pending  bool   `yaml:"pending,omitempty"`
}

func (p printer) watchpoints(
	list []*stoppoint.Watchpoint,
	pending []string,
) error {
	if p.isYaml() {
		lines := []watchpointLine{}
		for _, wp := range list {
			lines = append(
				lines,
				watchpointLine{
					Id:       wp.Id(),
					Address:  wp.Address().String(),
					Location: wp.Location(),
					Mode:     string(wp.Mode()),
					Size:     wp.Size(),
					Slot:     wp.Slot(),
					Hits:     wp.HitCount(),
				})
		}
		for _, location := range pending {
			lines = append(
				lines,
				watchpointLine{
					Location: location,
					Slot:     -1,
					Pending:  true,
				})
		}
		return p.yaml(lines)
	}

	if len(list) == 0 && len(pending) == 0 {
		p.println("No watchpoints set")
		return nil
	}

	p.println("Current watchpoints")
	for _, wp := range list {
		p.println("  ", wp)
	}
	for _, location := range pending {
		p.printf("   pending watchpoint at %s (resolved on run)\n", location)
	}
	return nil
}
