package main

import (
	"fmt"
	"os"

	"github.com/pattyshack/tdb/elf"
)

// Dumps what the symbol resolver sees in an executable.
func main() {
	if len(os.Args) != 2 {
		fmt.Println("USAGE: print-elf <file>")
		os.Exit(1)
	}

	file, err := elf.Open(os.Args[1])
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}

	fmt.Printf("Type: %s\n", file.FileType)
	fmt.Printf("Entry: 0x%x\n", file.EntryPointAddress)
	fmt.Printf("Position independent: %v\n", file.IsPositionIndependent())

	symbols := file.Symbols.Symbols()
	fmt.Println("Symbols:", len(symbols))
	for idx, symbol := range symbols {
		low, high, ok := symbol.AddressRange()
		if !ok {
			continue
		}

		fmt.Printf(
			"  %d: [0x%x, 0x%x) %s %s\n",
			idx,
			low,
			high,
			symbol.Type(),
			symbol.PrettyName())
	}
}
