// Based on linux's man page, elf.h, and the elf 1.2 spec.  Only the subset
// needed to map symbols to addresses in x86-64 executables is defined.
package elf

import (
	"fmt"
)

var (
	// EI_MAG0 - EI_MAG3
	IdentifierMagic = []byte{0x7f, 'E', 'L', 'F'}
)

const (
	IdentifierVersion = 1 // EI_CURRENT
	FormatVersion     = 1 // EV_CURRENT

	ElfIdentifierSize           = 16
	Elf64HeaderSize             = 64
	Elf64SectionHeaderEntrySize = 64
	Elf64ProgramHeaderEntrySize = 56
	Elf64SymbolEntrySize        = 24

	SymbolTableName        = ".symtab"
	DynamicSymbolTableName = ".dynsym"
)

// EI_CLASS
type Class byte

const (
	Class32 = Class(1) // ELFCLASS32
	Class64 = Class(2) // ELFCLASS64
)

// EI_DATA
type DataEncoding byte

const (
	DataEncodingLittleEndian = DataEncoding(1) // ELFDATA2LSB
)

// EI_OSABI
type OperatingSystemABI byte

const (
	OperatingSystemABIUnixSystemV = OperatingSystemABI(0) // ELFOSABI_NONE
	OperatingSystemABILinux       = OperatingSystemABI(3) // ELFOSABI_LINUX
)

// e_type
type FileType uint16

const (
	FileTypeExecutable   = FileType(2) // ET_EXEC
	FileTypeSharedObject = FileType(3) // ET_DYN
)

func (ft FileType) String() string {
	switch ft {
	case FileTypeExecutable:
		return "Executable"
	case FileTypeSharedObject:
		return "SharedObject"
	default:
		return fmt.Sprintf("FileType(%d)", ft)
	}
}

// e_machine
type MachineArchitecture uint16

const (
	MachineArchitectureX86_64 = MachineArchitecture(62) // EM_X86_64
)

type SectionType uint32

const (
	SectionTypeSymbolTable        = SectionType(2)  // SHT_SYMTAB
	SectionTypeStringTable        = SectionType(3)  // SHT_STRTAB
	SectionTypeNoSpace            = SectionType(8)  // SHT_NOBITS
	SectionTypeDynamicSymbolTable = SectionType(11) // SHT_DYNSYM
)

// The bottom 4 bits of st_info
type SymbolType byte

func SymbolInfoToType(info byte) SymbolType {
	return SymbolType(info & 0xf)
}

const (
	SymbolTypeNone      = SymbolType(0) // STT_NOTYPE
	SymbolTypeObject    = SymbolType(1) // STT_OBJECT
	SymbolTypeFunction  = SymbolType(2) // STT_FUNC
	SymbolTypeSection   = SymbolType(3) // STT_SECTION
	SymbolTypeFile      = SymbolType(4) // STT_FILE
	SymbolTypeTLSObject = SymbolType(6) // STT_TLS
)

func (st SymbolType) String() string {
	switch st {
	case SymbolTypeNone:
		return "NoType"
	case SymbolTypeObject:
		return "Object"
	case SymbolTypeFunction:
		return "Function"
	case SymbolTypeSection:
		return "Section"
	case SymbolTypeFile:
		return "File"
	case SymbolTypeTLSObject:
		return "TLSObject"
	default:
		return fmt.Sprintf("SymbolType(%d)", st)
	}
}

type SectionIndex uint16

const (
	SectionIndexUndefined = SectionIndex(0) // SHN_UNDEF
)

// Header structs matching c's elf64 header definitions.  These are only used
// for (de-)serialization.

// e_ident
type Identifier struct {
	Magic              [4]byte // EI_MAG0 ... EI_MAG3
	Class                      // EI_CLASS
	DataEncoding               // EI_DATA
	IdentifierVersion  byte    // EI_VERSION
	OperatingSystemABI         // EI_OSABI
	ABIVersion         byte    // EI_ABIVERSION
	Padding            [7]byte // EI_PAD
}

// Elf64_Ehdr
type ElfHeader struct {
	Identifier                           // e_ident[EI_NIDENT]
	FileType                             // e_type
	MachineArchitecture                  // e_machine
	FormatVersion           uint32       // e_version
	EntryPointAddress       uint64       // e_entry
	ProgramHeaderOffset     uint64       // e_phoff
	SectionHeaderOffset     uint64       // e_shoff
	ArchitectureFlags       uint32       // e_flags
	ElfHeaderSize           uint16       // e_ehsize
	ProgramHeaderEntrySize  uint16       // e_phentsize
	NumProgramHeaderEntries uint16       // e_phnum
	SectionHeaderEntrySize  uint16       // e_shentsize
	NumSectionHeaderEntries uint16       // e_shnum
	SectionStringTableIndex SectionIndex // e_shstrndx
}

// Elf64_Shdr
type SectionHeaderEntry struct {
	NameIndex        uint32 // sh_name
	SectionType             // sh_type
	Flags            uint64 // sh_flags
	Address          uint64 // sh_addr
	Offset           uint64 // sh_offset
	Size             uint64 // sh_size
	Link             uint32 // sh_link
	Info             uint32 // sh_info
	AddressAlignment uint64 // sh_addralign
	EntrySize        uint64 // sh_entsize
}

// Elf64_Sym
type SymbolEntry struct {
	NameIndex    uint32 // st_name
	Info         byte   // st_info.  (4 bits st_bind, 4 bits st_type)
	Other        byte   // st_other
	SectionIndex        // st_shndx
	Value        uint64 // st_value
	Size         uint64 // st_size
}
