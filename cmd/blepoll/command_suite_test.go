package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/devicefactory"
	"github.com/srg/blepoll/internal/testutils"
)

// Test device addresses for consistent fake device identification
const (
	TestFountainAddress = testutils.FountainAddress
	TestSoilAddress     = "C4:7C:8D:00:00:02"
)

// fastConfig keeps fountain cycles short against the fake firmware.
const fastConfig = `
fountain:
  command_gap: 1ms
  datetime_timeout: 20ms
  retry_delay: 1ms
soil_tester:
  retry_delay: 1ms
retry_backoff: 10ms
`

// CommandTestSuite extends FakePeripheralSuite with command testing utilities.
// All cmd/blepoll test suites should embed this instead of FakePeripheralSuite.
type CommandTestSuite struct {
	testutils.FakePeripheralSuite

	originalTransportFactory func(string, *logrus.Logger) (device.Transport, error)
	Soil                     *testutils.FakeSoilTester
}

// SetupSuite swaps the transport factory for the fake transport.
func (s *CommandTestSuite) SetupSuite() {
	s.FakePeripheralSuite.SetupSuite()
	s.originalTransportFactory = devicefactory.TransportFactory
	devicefactory.TransportFactory = func(string, *logrus.Logger) (device.Transport, error) {
		return s.Transport, nil
	}
}

// TearDownSuite restores the real transport factory.
func (s *CommandTestSuite) TearDownSuite() {
	devicefactory.TransportFactory = s.originalTransportFactory
}

// SetupTest adds a soil tester next to the default fountain and resets flags.
func (s *CommandTestSuite) SetupTest() {
	s.FakePeripheralSuite.SetupTest()
	s.Soil = testutils.NewFakeSoilTester(21.5, 40, 612.75, 255)
	s.Transport.Add(TestSoilAddress, s.Soil)
	resetFlags(rootCmd)
}

// SetupSubTest gives every subtest fresh peripherals and flags.
func (s *CommandTestSuite) SetupSubTest() {
	s.SetupTest()
}

// WriteConfig writes fastConfig plus extra YAML to a temp file and returns its path.
func (s *CommandTestSuite) WriteConfig(extra string) string {
	path := filepath.Join(s.T().TempDir(), "blepoll.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(fastConfig+extra), 0o600), "config write MUST succeed")
	return path
}

// ExecuteCommand runs the root command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandContext(context.Background(), args...)
}

// ExecuteCommandContext runs the root command under ctx.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, error) {
	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(&lockedBuffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

// resetFlags restores every flag of cmd and its subcommands to its default.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// lockedBuffer is a bytes.Buffer safe for the progress and log writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
