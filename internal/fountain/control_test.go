package fountain

import (
	"context"

	"github.com/srg/blepoll/internal/driver"
	"github.com/srg/blepoll/internal/testutils"
)

func (s *EngineTestSuite) apply(cmd driver.Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	defer cancel()
	return s.newDriver(fastOptions()).Apply(ctx, s.connect(), cmd)
}

func (s *EngineTestSuite) TestApply() {
	s.Run("Power off", func() {
		// GOAL: Verify power is changed by rewriting the status block
		//
		// TEST SCENARIO: Apply power=off → handshake, 210 read, 220 written → firmware power byte 0, other bytes intact

		before := s.Fountain.StateBytes()
		s.Require().NoError(s.apply(driver.Command{Name: "power", Value: "off"}))

		after := s.Fountain.StateBytes()
		s.Equal(byte(0), after[0])
		s.Equal(before[1:], after[1:], "unrelated status bytes MUST be preserved")
		s.Equal([]uint8{213, 73, 86, 84, 210, 220}, s.Fountain.ReceivedCommands())
	})

	s.Run("Mode normal", func() {
		// GOAL: Verify the mode byte is rewritten
		//
		// TEST SCENARIO: Apply mode=Normal → firmware mode byte 1

		s.Require().NoError(s.apply(driver.Command{Name: "mode", Value: "Normal"}))
		s.Equal(byte(ModeNormal), s.Fountain.StateBytes()[1])
	})

	s.Run("Do not disturb", func() {
		// GOAL: Verify DND is changed through the config block
		//
		// TEST SCENARIO: Apply dnd=on → 211 read, 221 written → config byte 8 is 1

		s.Require().NoError(s.apply(driver.Command{Name: "dnd", Value: "on"}))
		s.Equal(byte(1), s.Fountain.ConfigBytes()[8])
		s.Contains(s.Fountain.ReceivedCommands(), uint8(CmdSetConfig))
	})

	s.Run("Reset filter", func() {
		// GOAL: Verify filter reset needs no read-modify-write
		//
		// TEST SCENARIO: Filter at 2 days with warning → Apply reset-filter → 222 sent, firmware back to 30 days

		state := testutils.DefaultFountainState()
		state.FilterDays = 2
		state.WarnFilter = 1
		s.Fountain.WithState(state)

		s.Require().NoError(s.apply(driver.Command{Name: "reset-filter"}))
		s.Equal([]uint8{213, 73, 86, 84, 222}, s.Fountain.ReceivedCommands())
		s.Equal(byte(FilterLifetimeDays), s.Fountain.StateBytes()[5])
	})

	s.Run("Invalid commands never reach the device", func() {
		// GOAL: Verify bad commands are rejected before any exchange
		//
		// TEST SCENARIO: Unknown command and bad values → ErrControl, firmware saw nothing

		err := s.apply(driver.Command{Name: "volume", Value: "11"})
		s.ErrorIs(err, driver.ErrControl)
		s.ErrorIs(err, driver.ErrUnknownCommand)

		s.ErrorIs(s.apply(driver.Command{Name: "mode", Value: "eco"}), driver.ErrControl)
		s.ErrorIs(s.apply(driver.Command{Name: "power", Value: "maybe"}), driver.ErrControl)
		s.Empty(s.Fountain.ReceivedCommands())
	})

	s.Run("Short status block", func() {
		// GOAL: Verify a truncated block is not written back to the device
		//
		// TEST SCENARIO: Firmware status is 8 bytes → Apply power=on fails at control stage, no 220 sent

		s.Fountain.WithStateBytes([]byte{1, 2, 0, 0, 0, 5, 0, 0})

		err := s.apply(driver.Command{Name: "power", Value: "on"})
		s.ErrorIs(err, driver.ErrControl)
		s.NotContains(s.Fountain.ReceivedCommands(), uint8(CmdSetDeviceMode))
	})
}

func (s *EngineTestSuite) TestValidateCommand() {
	s.NoError(ValidateCommand(driver.Command{Name: "DND", Value: "true"}))
	s.NoError(ValidateCommand(driver.Command{Name: "reset_filter"}))
	s.Error(ValidateCommand(driver.Command{Name: "dnd"}))
	s.Equal([]string{"power", "mode", "dnd", "reset_filter"}, s.newDriver(fastOptions()).CommandNames())
}
