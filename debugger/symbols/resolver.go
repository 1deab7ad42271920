package symbols

import (
	"fmt"

	. "github.com/pattyshack/tdb/debugger/common"
)

// Resolver maps symbolic locations to addresses and back.
type Resolver interface {
	// Resolve accepts "name" or "name+offset" (offset in hex or decimal).
	Resolve(location string) (VirtualAddress, error)

	// Describe returns a human readable "name+offset" for address, or false
	// if no symbol covers it.
	Describe(address VirtualAddress) (string, bool)
}

// Resolvers of position independent executables must be told where the
// executable was loaded before their addresses are meaningful.
type Rebaser interface {
	Rebase(loadedEntryPoint VirtualAddress) error
}

// Empty resolves nothing.  Used when the executable has no readable symbol
// table.
type Empty struct{}

func (Empty) Resolve(location string) (VirtualAddress, error) {
	return 0, fmt.Errorf("%w (%s). no symbol table loaded", ErrUnknownSymbol, location)
}

func (Empty) Describe(address VirtualAddress) (string, bool) {
	return "", false
}
