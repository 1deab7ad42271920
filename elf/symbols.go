package elf

import (
	"sort"

	"github.com/ianlancetaylor/demangle"
)

type Symbol struct {
	SymbolEntry

	Name          string
	DemangledName string // human readable c++ / rust name
}

func (symbol *Symbol) PrettyName() string {
	if symbol.DemangledName != "" {
		return symbol.DemangledName
	}

	return symbol.Name
}

func (symbol *Symbol) Type() SymbolType {
	return SymbolInfoToType(symbol.Info)
}

func (symbol *Symbol) AddressRange() (FileAddress, FileAddress, bool) {
	if symbol.Value == 0 ||
		symbol.Name == "" ||
		symbol.SectionIndex == SectionIndexUndefined {

		return 0, 0, false
	}

	switch symbol.Type() {
	case SymbolTypeSection, SymbolTypeFile, SymbolTypeTLSObject:
		return 0, 0, false
	}

	start := FileAddress(symbol.Value)
	end := FileAddress(symbol.Value + symbol.Size)
	return start, end, true
}

type SymbolTable struct {
	symbols []*Symbol

	// symbols with address ranges, sorted by start address
	byAddress []*Symbol

	byName map[string][]*Symbol
}

func newSymbolTable() *SymbolTable {
	return &SymbolTable{
		byName: map[string][]*Symbol{},
	}
}

func (table *SymbolTable) add(entry SymbolEntry, name string) {
	symbol := &Symbol{
		SymbolEntry: entry,
		Name:        name,
	}

	val, err := demangle.ToString(name)
	if err == nil {
		symbol.DemangledName = val
	}

	table.symbols = append(table.symbols, symbol)
}

func (table *SymbolTable) index() {
	for _, symbol := range table.symbols {
		if symbol.Name != "" {
			table.byName[symbol.Name] = append(table.byName[symbol.Name], symbol)
		}

		if symbol.DemangledName != "" && symbol.DemangledName != symbol.Name {
			table.byName[symbol.DemangledName] = append(
				table.byName[symbol.DemangledName],
				symbol)
		}

		_, _, ok := symbol.AddressRange()
		if ok {
			table.byAddress = append(table.byAddress, symbol)
		}
	}

	sort.SliceStable(table.byAddress, func(i int, j int) bool {
		return table.byAddress[i].Value < table.byAddress[j].Value
	})
}

func (table *SymbolTable) Symbols() []*Symbol {
	return table.symbols
}

// Names returns every mangled and demangled symbol name.
func (table *SymbolTable) Names() []string {
	result := make([]string, 0, len(table.byName))
	for name := range table.byName {
		result = append(result, name)
	}
	return result
}

func (table *SymbolTable) SymbolsByName(name string) []*Symbol {
	return table.byName[name]
}

// SymbolAt returns the symbol starting exactly at address.
func (table *SymbolTable) SymbolAt(address FileAddress) *Symbol {
	idx := sort.Search(len(table.byAddress), func(i int) bool {
		return FileAddress(table.byAddress[i].Value) >= address
	})

	if idx < len(table.byAddress) &&
		FileAddress(table.byAddress[idx].Value) == address {

		return table.byAddress[idx]
	}

	return nil
}

// SymbolSpans returns the symbol whose [value, value + size) range contains
// address.
func (table *SymbolTable) SymbolSpans(address FileAddress) *Symbol {
	idx := sort.Search(len(table.byAddress), func(i int) bool {
		return FileAddress(table.byAddress[i].Value) > address
	})

	// Symbols may overlap (e.g., aliases); walk back to the closest one that
	// actually covers address.
	for idx--; idx >= 0; idx-- {
		low, high, _ := table.byAddress[idx].AddressRange()
		if low <= address && address < high {
			return table.byAddress[idx]
		}

		if low == high && low == address {
			return table.byAddress[idx]
		}
	}

	return nil
}
