package common

import (
	"errors"
	"sort"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type CommonSuite struct{}

func TestCommon(t *testing.T) {
	suite.RunTests(t, &CommonSuite{})
}

func (CommonSuite) TestTrapCodeToKind(t *testing.T) {
	expect.Equal(t, SoftwareTrap, TrapCodeToKind(0x80))
	expect.Equal(t, HardwareTrap, TrapCodeToKind(4))
	expect.Equal(t, SingleStepTrap, TrapCodeToKind(2))
	expect.Equal(t, UnknownTrap, TrapCodeToKind(0))
	expect.Equal(t, UnknownTrap, TrapCodeToKind(-6))
}

func (CommonSuite) TestParseVirtualAddress(t *testing.T) {
	addr, err := ParseVirtualAddress("0x1000")
	expect.Nil(t, err)
	expect.Equal(t, VirtualAddress(0x1000), addr)

	addr, err = ParseVirtualAddress("4096")
	expect.Nil(t, err)
	expect.Equal(t, VirtualAddress(0x1000), addr)

	_, err = ParseVirtualAddress("main")
	expect.Error(t, err, "invalid address (main)")
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

func (CommonSuite) TestVirtualAddressString(t *testing.T) {
	expect.Equal(t, "0x0000000000401000", VirtualAddress(0x401000).String())
}

func (CommonSuite) TestSortVirtualAddresses(t *testing.T) {
	addrs := VirtualAddresses{0x30, 0x10, 0x20}
	sort.Sort(addrs)
	expect.Equal(t, VirtualAddress(0x10), addrs[0])
	expect.Equal(t, VirtualAddress(0x20), addrs[1])
	expect.Equal(t, VirtualAddress(0x30), addrs[2])
}
