package elf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

type FileAddress uint64

type File struct {
	ElfHeader

	// Symbols from .symtab followed by .dynsym.  Empty for stripped binaries
	// without dynamic symbols.
	Symbols *SymbolTable
}

// Position independent executables are loaded at an address chosen by the
// kernel; their file addresses must be rebased.
func (file *File) IsPositionIndependent() bool {
	return file.FileType == FileTypeSharedObject
}

type section struct {
	SectionHeaderEntry
	name    string
	content []byte
}

type parser struct {
	content []byte

	File

	sections []*section
}

func Open(path string) (*File, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read elf file: %w", err)
	}

	return ParseBytes(content)
}

func ParseBytes(content []byte) (*File, error) {
	p := parser{
		content: content,
	}

	err := p.parse()
	if err != nil {
		return nil, err
	}

	return &p.File, nil
}

func (p *parser) parse() error {
	err := p.parseIdentifier()
	if err != nil {
		return err
	}

	err = p.parseHeader()
	if err != nil {
		return err
	}

	err = p.parseSectionHeaders()
	if err != nil {
		return err
	}

	return p.parseSymbolTables()
}

func (p *parser) parseIdentifier() error {
	id := &Identifier{}

	_, err := binary.Decode(p.content, binary.LittleEndian, id)
	if err != nil {
		return fmt.Errorf("failed to parse identifier: %w", err)
	}

	if !bytes.Equal(id.Magic[:], IdentifierMagic) {
		return fmt.Errorf("invalid elf magic number")
	}

	if id.Class != Class64 {
		return fmt.Errorf("unsupported elf class: %d", id.Class)
	}

	// NOTE: x86-64 is little endian only.
	if id.DataEncoding != DataEncodingLittleEndian {
		return fmt.Errorf("unsupported data encoding: %d", id.DataEncoding)
	}

	if id.IdentifierVersion != IdentifierVersion {
		return fmt.Errorf(
			"unsupported identifier version: %d",
			id.IdentifierVersion)
	}

	switch id.OperatingSystemABI {
	case OperatingSystemABIUnixSystemV, OperatingSystemABILinux:
	default:
		return fmt.Errorf("unsupported os/abi: %d", id.OperatingSystemABI)
	}

	return nil
}

func (p *parser) parseHeader() error {
	_, err := binary.Decode(p.content, binary.LittleEndian, &p.ElfHeader)
	if err != nil {
		return fmt.Errorf("failed to parse header: %w", err)
	}

	if p.MachineArchitecture != MachineArchitectureX86_64 {
		return fmt.Errorf(
			"unsupported machine architecture: %d",
			p.MachineArchitecture)
	}

	if p.FormatVersion != FormatVersion {
		return fmt.Errorf("unsupported format version: %d", p.FormatVersion)
	}

	if p.ElfHeaderSize != Elf64HeaderSize {
		return fmt.Errorf("unexpected elf64 header size: %d", p.ElfHeaderSize)
	}

	if p.NumSectionHeaderEntries > 0 &&
		p.SectionHeaderEntrySize != Elf64SectionHeaderEntrySize {

		return fmt.Errorf(
			"unexpected elf64 section header entry size: %d",
			p.SectionHeaderEntrySize)
	}

	// For simplicity, we'll disallow extended section header.  Most elf structs
	// (e.g., Elf64_Sym.st_shndx) don't support extended section indexing.
	if p.SectionHeaderOffset > 0 && p.NumSectionHeaderEntries == 0 {
		return fmt.Errorf("extended section header not supported")
	}

	return nil
}

func (p *parser) parseSectionHeaders() error {
	if p.NumSectionHeaderEntries == 0 {
		return nil
	}

	if p.SectionHeaderOffset >= uint64(len(p.content)) {
		return fmt.Errorf(
			"out of bound section header offset (%d)",
			p.SectionHeaderOffset)
	}

	headers := make([]SectionHeaderEntry, p.NumSectionHeaderEntries)
	_, err := binary.Decode(
		p.content[p.SectionHeaderOffset:],
		binary.LittleEndian,
		headers)
	if err != nil {
		return fmt.Errorf("failed to read section header entries: %w", err)
	}

	for _, header := range headers {
		var content []byte
		if header.SectionType != SectionTypeNoSpace {
			start := header.Offset
			end := start + header.Size
			if end < start || end > uint64(len(p.content)) {
				return fmt.Errorf(
					"out of bound section (%d > %d)",
					end,
					len(p.content))
			}

			content = p.content[start:end]
		}

		p.sections = append(
			p.sections,
			&section{
				SectionHeaderEntry: header,
				content:            content,
			})
	}

	if p.SectionStringTableIndex != SectionIndexUndefined {
		idx := int(p.SectionStringTableIndex)
		if idx >= len(p.sections) {
			return fmt.Errorf(
				"section name index out of bound (%d >= %d)",
				idx,
				len(p.sections))
		}

		names := p.sections[idx]
		if names.SectionType != SectionTypeStringTable {
			return fmt.Errorf("section name index does not point to a string table")
		}

		for _, sec := range p.sections {
			sec.name = stringAt(names.content, sec.NameIndex)
		}
	}

	return nil
}

func (p *parser) getSection(name string) *section {
	for _, sec := range p.sections {
		if sec.name == name {
			return sec
		}
	}
	return nil
}

func (p *parser) parseSymbolTables() error {
	table := newSymbolTable()

	for _, name := range []string{SymbolTableName, DynamicSymbolTableName} {
		sec := p.getSection(name)
		if sec == nil {
			continue
		}

		// See elf spec. Figure 1-12. sh_link and sh_info Interpretation.
		if sec.Link == 0 || int(sec.Link) >= len(p.sections) {
			return fmt.Errorf(
				"%s string table index out of bound (%d)",
				name,
				sec.Link)
		}

		names := p.sections[sec.Link]
		if names.SectionType != SectionTypeStringTable {
			return fmt.Errorf(
				"%s string table index does not point to a string table",
				name)
		}

		if len(sec.content)%Elf64SymbolEntrySize != 0 {
			return fmt.Errorf(
				"invalid %s size (%d)",
				name,
				len(sec.content))
		}

		entries := make([]SymbolEntry, len(sec.content)/Elf64SymbolEntrySize)
		_, err := binary.Decode(sec.content, binary.LittleEndian, entries)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", name, err)
		}

		for _, entry := range entries {
			table.add(entry, stringAt(names.content, entry.NameIndex))
		}
	}

	table.index()
	p.Symbols = table
	return nil
}

func stringAt(content []byte, index uint32) string {
	if index >= uint32(len(content)) {
		return ""
	}

	chunk := content[index:]
	end := bytes.IndexByte(chunk, 0)
	if end == -1 {
		return ""
	}

	return string(chunk[:end])
}
