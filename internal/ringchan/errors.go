package ringchan

import "errors"

// ErrClosed is returned by ReceiveContext once the channel is closed and drained.
var ErrClosed = errors.New("ringchan: closed")
