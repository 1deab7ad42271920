package symbols

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/elf"
	"github.com/pattyshack/tdb/logflags"
)

type description struct {
	text string
	ok   bool
}

// ElfResolver resolves against the executable's .symtab / .dynsym.
type ElfResolver struct {
	file *elf.File

	// loaded address - file address.  Zero for non-PIE executables.
	loadBias VirtualAddress

	names *trie.Trie

	descriptions *lru.Cache

	logger *logrus.Entry
}

var _ Resolver = &ElfResolver{}
var _ Rebaser = &ElfResolver{}

func Open(path string, cacheSize int) (*ElfResolver, error) {
	file, err := elf.Open(path)
	if err != nil {
		return nil, err
	}

	return NewElfResolver(file, cacheSize)
}

func NewElfResolver(file *elf.File, cacheSize int) (*ElfResolver, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create symbol cache: %w", err)
	}

	names := trie.New()
	for _, name := range file.Symbols.Names() {
		names.Add(name, nil)
	}

	return &ElfResolver{
		file:         file,
		names:        names,
		descriptions: cache,
		logger:       logflags.SessionLogger(),
	}, nil
}

func (resolver *ElfResolver) LoadBias() VirtualAddress {
	return resolver.loadBias
}

func (resolver *ElfResolver) Rebase(loadedEntryPoint VirtualAddress) error {
	fileEntry := VirtualAddress(resolver.file.EntryPointAddress)
	if !resolver.file.IsPositionIndependent() {
		if loadedEntryPoint != fileEntry {
			return fmt.Errorf(
				"loaded entry point (%s) does not match executable (%s)",
				loadedEntryPoint,
				fileEntry)
		}
		return nil
	}

	resolver.loadBias = loadedEntryPoint - fileEntry
	resolver.descriptions.Purge()
	resolver.logger.Debugf("rebased symbols (load bias=%s)", resolver.loadBias)
	return nil
}

func splitOffset(location string) (string, uint64, error) {
	idx := strings.LastIndex(location, "+")
	if idx == -1 {
		return strings.TrimSpace(location), 0, nil
	}

	name := strings.TrimSpace(location[:idx])
	offset, err := strconv.ParseUint(strings.TrimSpace(location[idx+1:]), 0, 64)
	if err != nil {
		return "", 0, fmt.Errorf(
			"%w. invalid symbol offset (%s)",
			ErrInvalidArgument,
			location)
	}

	return name, offset, nil
}

func (resolver *ElfResolver) Resolve(location string) (VirtualAddress, error) {
	name, offset, err := splitOffset(location)
	if err != nil {
		return 0, err
	}

	var match *elf.Symbol
	for _, symbol := range resolver.file.Symbols.SymbolsByName(name) {
		_, _, ok := symbol.AddressRange()
		if !ok {
			continue
		}

		if match == nil || (match.Type() != elf.SymbolTypeFunction &&
			symbol.Type() == elf.SymbolTypeFunction) {

			match = symbol
		}
	}

	if match == nil {
		return 0, fmt.Errorf("%w (%s)", ErrUnknownSymbol, name)
	}

	return VirtualAddress(match.Value) + resolver.loadBias +
		VirtualAddress(offset), nil
}

func (resolver *ElfResolver) Describe(address VirtualAddress) (string, bool) {
	cached, ok := resolver.descriptions.Get(address)
	if ok {
		desc := cached.(description)
		return desc.text, desc.ok
	}

	desc := description{}
	symbol := resolver.file.Symbols.SymbolSpans(
		elf.FileAddress(address - resolver.loadBias))
	if symbol != nil {
		offset := uint64(address-resolver.loadBias) - symbol.Value
		desc.ok = true
		if offset == 0 {
			desc.text = symbol.PrettyName()
		} else {
			desc.text = fmt.Sprintf("%s+0x%x", symbol.PrettyName(), offset)
		}
	}

	resolver.descriptions.Add(address, desc)
	return desc.text, desc.ok
}

// Complete lists the symbol names starting with prefix, sorted.
func (resolver *ElfResolver) Complete(prefix string) []string {
	result := resolver.names.PrefixSearch(prefix)
	sort.Strings(result)
	return result
}
