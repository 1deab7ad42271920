package procfs

import (
	"os"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type ProcfsSuite struct{}

func TestProcfs(t *testing.T) {
	suite.RunTests(t, &ProcfsSuite{})
}

func (ProcfsSuite) TestProcessStatus(t *testing.T) {
	status, err := GetProcessStatus(os.Getpid())
	expect.Nil(t, err)
	expect.Equal(t, os.Getpid(), status.Pid)
	expect.Equal(t, os.Getppid(), status.Ppid)

	// The thread group leader may be parked while other threads run.
	expect.True(
		t,
		status.State == Running || status.State == Sleeping,
		status.State)
}

func (ProcfsSuite) TestMissingProcess(t *testing.T) {
	_, err := GetProcessStatus(0)
	expect.Error(t, err, "failed to read process 0 status")
}

func (ProcfsSuite) TestEntryPointIsMapped(t *testing.T) {
	entry, err := GetEntryPoint(os.Getpid())
	expect.Nil(t, err)
	expect.NotEqual(t, uint64(0), entry)

	regions, err := GetMappedMemoryRegions(os.Getpid())
	expect.Nil(t, err)
	expect.True(t, len(regions) > 0)

	region, ok := regions.Find(entry)
	expect.True(t, ok)
	expect.True(t, region.Execute)
	expect.True(t, region.Read)
}

func (ProcfsSuite) TestUnmappedAddress(t *testing.T) {
	regions, err := GetMappedMemoryRegions(os.Getpid())
	expect.Nil(t, err)

	_, ok := regions.Find(0)
	expect.False(t, ok)
}
