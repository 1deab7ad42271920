// Package elftest assembles minimal x86-64 elf images (header, symbol table
// and string tables only) for tests which need symbols without a compiled
// binary.
package elftest

import (
	"bytes"
	"encoding/binary"

	"github.com/pattyshack/tdb/elf"
)

type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
	Type  elf.SymbolType
}

type Builder struct {
	FileType elf.FileType
	Entry    uint64
	Symbols  []Symbol
}

type stringTable struct {
	bytes.Buffer
}

func newStringTable() *stringTable {
	table := &stringTable{}
	table.WriteByte(0)
	return table
}

func (table *stringTable) add(str string) uint32 {
	if str == "" {
		return 0
	}

	idx := uint32(table.Len())
	table.WriteString(str)
	table.WriteByte(0)
	return idx
}

func (builder Builder) Build() []byte {
	fileType := builder.FileType
	if fileType == 0 {
		fileType = elf.FileTypeExecutable
	}

	names := newStringTable()
	sectionNames := newStringTable()

	symbolsNameIdx := sectionNames.add(elf.SymbolTableName)
	namesNameIdx := sectionNames.add(".strtab")
	sectionNamesNameIdx := sectionNames.add(".shstrtab")

	// symbol 0 is always the undefined symbol
	symbols := &bytes.Buffer{}
	entries := []elf.SymbolEntry{{}}
	for _, symbol := range builder.Symbols {
		entries = append(
			entries,
			elf.SymbolEntry{
				NameIndex:    names.add(symbol.Name),
				Info:         byte(1<<4) | byte(symbol.Type), // STB_GLOBAL
				SectionIndex: 1,
				Value:        symbol.Value,
				Size:         symbol.Size,
			})
	}
	binary.Write(symbols, binary.LittleEndian, entries)

	symbolsOffset := uint64(elf.Elf64HeaderSize)
	namesOffset := symbolsOffset + uint64(symbols.Len())
	sectionNamesOffset := namesOffset + uint64(names.Len())
	sectionHeaderOffset := sectionNamesOffset + uint64(sectionNames.Len())

	headers := []elf.SectionHeaderEntry{
		{},
		{
			NameIndex:   symbolsNameIdx,
			SectionType: elf.SectionTypeSymbolTable,
			Offset:      symbolsOffset,
			Size:        uint64(symbols.Len()),
			Link:        2,
			EntrySize:   elf.Elf64SymbolEntrySize,
		},
		{
			NameIndex:   namesNameIdx,
			SectionType: elf.SectionTypeStringTable,
			Offset:      namesOffset,
			Size:        uint64(names.Len()),
		},
		{
			NameIndex:   sectionNamesNameIdx,
			SectionType: elf.SectionTypeStringTable,
			Offset:      sectionNamesOffset,
			Size:        uint64(sectionNames.Len()),
		},
	}

	header := elf.ElfHeader{
		Identifier: elf.Identifier{
			Class:             elf.Class64,
			DataEncoding:      elf.DataEncodingLittleEndian,
			IdentifierVersion: elf.IdentifierVersion,
		},
		FileType:                fileType,
		MachineArchitecture:     elf.MachineArchitectureX86_64,
		FormatVersion:           elf.FormatVersion,
		EntryPointAddress:       builder.Entry,
		SectionHeaderOffset:     sectionHeaderOffset,
		ElfHeaderSize:           elf.Elf64HeaderSize,
		ProgramHeaderEntrySize:  elf.Elf64ProgramHeaderEntrySize,
		SectionHeaderEntrySize:  elf.Elf64SectionHeaderEntrySize,
		NumSectionHeaderEntries: uint16(len(headers)),
		SectionStringTableIndex: 3,
	}
	copy(header.Magic[:], elf.IdentifierMagic)

	out := &bytes.Buffer{}
	binary.Write(out, binary.LittleEndian, header)
	out.Write(symbols.Bytes())
	out.Write(names.Bytes())
	out.Write(sectionNames.Bytes())
	binary.Write(out, binary.LittleEndian, headers)

	return out.Bytes()
}
