package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// FakePeripheralSuite provides a reusable test suite with an in-memory
// transport and emulated peripherals.
//
// Basic usage (a single healthy fountain at FountainAddress):
//
//	type EngineSuite struct {
//	    testutils.FakePeripheralSuite
//	}
//
//	func TestEngineSuite(t *testing.T) {
//	    suite.Run(t, new(EngineSuite))
//	}
//
// Custom firmware behaviour:
//
//	func (s *EngineSuite) SetupTest() {
//	    s.FakePeripheralSuite.SetupTest() // Call parent first to create the defaults
//	    s.Fountain.Silence(210)
//	}
type FakePeripheralSuite struct {
	suite.Suite

	// Core test utilities
	Helper      *TestHelper    // Test helper with logging
	Logger      *logrus.Logger // Structured logger for test output
	TestTimeout time.Duration  // Default timeout for blocking operations

	Transport *FakeTransport
	Fountain  *FakeFountain
}

// FountainAddress is where SetupTest registers the default fountain.
const FountainAddress = "A4:C1:38:00:00:01"

// SetupSuite initializes the test suite.
// Called once before all tests in the suite.
func (s *FakePeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second
	s.Logger.Debug("Suite setup completed")
}

// SetupTest creates a fresh transport with a healthy fountain before each test.
func (s *FakePeripheralSuite) SetupTest() {
	// Rebind the logger to the current (sub)test
	s.Logger = NewTestLogger(s.T())
	s.Fountain = NewFakeFountain()
	s.Transport = NewFakeTransport().Add(FountainAddress, s.Fountain)
	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest drops per-test peripherals.
func (s *FakePeripheralSuite) TearDownTest() {
	s.Transport = nil
	s.Fountain = nil
}

// SetupSubTest gives every suite.Run subtest its own peripherals.
func (s *FakePeripheralSuite) SetupSubTest() {
	s.SetupTest()
}
