// Package device defines the transport boundary used by the poller: a
// Transport dials a peripheral and hands back a single-use Connection that
// can write, read and subscribe to characteristics until it is disconnected.
//
// Concrete transports live in sub-packages (go-ble, tinygo). Tests drive the
// rest of the stack through in-memory peripherals implementing the same
// interfaces.
package device
