package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/protocol"
	"github.com/srg/blepoll/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	cmdDetails     = 213
	cmdResetFilter = 222
)

var detailsRequest = Request{Command: cmdDetails, Type: protocol.TypeRequest, Payload: []byte{0, 0}}

type SessionTestSuite struct {
	testutils.FakePeripheralSuite
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func (s *SessionTestSuite) open(opts Options) (*Session, device.Connection) {
	conn, err := s.Transport.Connect(context.Background(), testutils.FountainAddress, nil)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.Disconnect() })

	opts.WriteCharacteristic = testutils.FountainWriteUUID
	opts.NotifyCharacteristic = testutils.FountainNotifyUUID
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	sess, err := New(conn, opts, s.Logger)
	s.Require().NoError(err)
	return sess, conn
}

func (s *SessionTestSuite) TestSendReceivesCorrelatedResponse() {
	s.Run("Single fragment", func() {
		// GOAL: Verify a request is answered with the matching response frame
		//
		// TEST SCENARIO: Send GET_DEVICE_DETAILS → firmware answers in one notification → payload starts with device id

		sess, _ := s.open(Options{})
		frame, err := sess.Send(context.Background(), detailsRequest, time.Second, 0)
		s.Require().NoError(err)
		s.Equal(uint8(cmdDetails), frame.Command)
		s.Equal(s.Fountain.DeviceID, frame.Payload[:6])
	})

	s.Run("Many small fragments", func() {
		// GOAL: Verify responses spread over many notifications are reassembled
		//
		// TEST SCENARIO: Firmware splits replies into 3-byte notifications → Send completes with the full payload

		s.Fountain.WithFragmentSize(3)
		sess, _ := s.open(Options{})
		frame, err := sess.Send(context.Background(), detailsRequest, time.Second, 0)
		s.Require().NoError(err)
		s.Len(frame.Payload, 10)
	})

	s.Run("Unsolicited traffic is ignored", func() {
		// GOAL: Verify notifications for other commands never resolve the pending exchange
		//
		// TEST SCENARIO: Firmware pushes a battery frame and garbage on subscribe → DETAILS still resolves with its own payload

		battery, err := protocol.Encode(protocol.Frame{Command: 66, Type: 2, Payload: []byte{50}})
		s.Require().NoError(err)
		s.Fountain.WithUnsolicited(battery, []byte{0x01, 0x02})

		sess, _ := s.open(Options{})
		frame, err := sess.Send(context.Background(), detailsRequest, time.Second, 0)
		s.Require().NoError(err)
		s.Equal(uint8(cmdDetails), frame.Command)
	})

	s.Run("Undelivered fragments are counted", func() {
		// GOAL: Verify fragments arriving with no exchange pending show up in Stats
		//
		// TEST SCENARIO: Firmware pushes two notifications on subscribe → Stats reports two unsolicited → a later exchange still succeeds

		battery, err := protocol.Encode(protocol.Frame{Command: 66, Type: 2, Payload: []byte{50}})
		s.Require().NoError(err)
		s.Fountain.WithUnsolicited(battery, []byte{0x01, 0x02})

		sess, _ := s.open(Options{})
		s.Eventually(func() bool { return sess.Stats().Unsolicited == 2 }, time.Second, 5*time.Millisecond,
			"notifications with no pending exchange MUST be counted")

		_, err = sess.Send(context.Background(), detailsRequest, time.Second, 0)
		s.Require().NoError(err)
		st := sess.Stats()
		s.Equal(int64(2), st.Unsolicited)
		s.Equal(int64(2), st.Dropped())
	})
}

func (s *SessionTestSuite) TestTimeout() {
	s.Run("Deadline is honoured", func() {
		// GOAL: Verify a silent device yields Timeout after the deadline, not earlier and not indefinitely
		//
		// TEST SCENARIO: Silence DETAILS → Send with 80ms timeout and no retries → ErrTimeout between 80ms and 1s

		s.Fountain.Silence(cmdDetails)
		sess, _ := s.open(Options{})

		start := time.Now()
		_, err := sess.Send(context.Background(), detailsRequest, 80*time.Millisecond, 0)
		elapsed := time.Since(start)

		s.ErrorIs(err, device.ErrTimeout)
		s.GreaterOrEqual(elapsed, 80*time.Millisecond, "timeout MUST NOT fire early")
		s.Less(elapsed, time.Second, "timeout MUST NOT hang")
	})

	s.Run("Retries resend the same command", func() {
		// GOAL: Verify timeouts are retried exactly `retries` more times
		//
		// TEST SCENARIO: Silence DETAILS → Send with retries=2 → firmware receives three DETAILS requests → ErrTimeout

		s.Fountain.Silence(cmdDetails)
		sess, _ := s.open(Options{RetryDelay: 5 * time.Millisecond})

		_, err := sess.Send(context.Background(), detailsRequest, 30*time.Millisecond, 2)
		s.ErrorIs(err, device.ErrTimeout)
		s.Equal([]uint8{cmdDetails, cmdDetails, cmdDetails}, s.Fountain.ReceivedCommands())
	})

	s.Run("Parent cancellation is not retried", func() {
		// GOAL: Verify cancelling the caller's context ends Send immediately with the context error
		//
		// TEST SCENARIO: Silence DETAILS → cancel after 20ms → Send returns context.Canceled with one request sent

		s.Fountain.Silence(cmdDetails)
		sess, _ := s.open(Options{})

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		_, err := sess.Send(ctx, detailsRequest, time.Second, 3)
		s.ErrorIs(err, context.Canceled)
		s.Len(s.Fountain.ReceivedCommands(), 1)
	})
}

func (s *SessionTestSuite) TestProtocolErrorsAreNotRetried() {
	// GOAL: Verify a corrupted response for the awaited command surfaces ProtocolError without a retry
	//
	// TEST SCENARIO: Corrupt DETAILS checksum → Send with retries=3 → ProtocolError wrapping ErrChecksum, one request sent

	s.Fountain.CorruptReplies(cmdDetails, -1)
	sess, _ := s.open(Options{})

	_, err := sess.Send(context.Background(), detailsRequest, time.Second, 3)
	s.Require().Error(err)
	s.ErrorIs(err, protocol.ErrProtocol)
	s.ErrorIs(err, protocol.ErrChecksum)
	s.Len(s.Fountain.ReceivedCommands(), 1)
}

func (s *SessionTestSuite) TestWriteFailureIsRetried() {
	// GOAL: Verify a failed write counts as an attempt and is retried
	//
	// TEST SCENARIO: Fail the first write → Send with retries=1 → succeeds on the second attempt

	s.Fountain.FailWrites(1)
	sess, _ := s.open(Options{})

	frame, err := sess.Send(context.Background(), detailsRequest, time.Second, 1)
	s.Require().NoError(err)
	s.Equal(uint8(cmdDetails), frame.Command)

	s.Fountain.FailWrites(1)
	_, err = sess.Send(context.Background(), detailsRequest, time.Second, 0)
	s.ErrorIs(err, device.ErrWrite, "without retries the write error MUST surface")
}

func (s *SessionTestSuite) TestSequenceWraps() {
	// GOAL: Verify the sequence number increments per request and wraps at 256
	//
	// TEST SCENARIO: Post 258 fire-and-forget requests → sequence of request 256 is 0 again

	sess, _ := s.open(Options{})
	for i := 0; i < 258; i++ {
		s.Require().NoError(sess.Post(context.Background(), Request{Command: cmdResetFilter, Type: protocol.TypeRequest}))
	}

	frames := s.Fountain.Received()
	s.Require().Len(frames, 258)
	s.Equal(uint8(0), frames[0].Seq)
	s.Equal(uint8(255), frames[255].Seq)
	s.Equal(uint8(0), frames[256].Seq)
	s.Equal(uint8(1), frames[257].Seq)
}

func (s *SessionTestSuite) TestClose() {
	// GOAL: Verify a closed session rejects further requests
	//
	// TEST SCENARIO: Close twice → Send and Post fail with ErrNotConnected

	sess, _ := s.open(Options{})
	s.Require().NoError(sess.Close())
	s.Require().NoError(sess.Close())

	_, err := sess.Send(context.Background(), detailsRequest, time.Second, 0)
	s.ErrorIs(err, device.ErrNotConnected)
	s.ErrorIs(sess.Post(context.Background(), detailsRequest), device.ErrNotConnected)
}

func TestNew_RequiresCharacteristics(t *testing.T) {
	_, err := New(nil, Options{}, nil)
	if err == nil || errors.Is(err, device.ErrTimeout) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
