package fountain

import (
	"fmt"
	"time"

	"github.com/srg/blepoll/internal/protocol"
	"github.com/srg/blepoll/internal/session"
)

// GATT characteristics used by the fountain firmware.
const (
	NotifyCharacteristic = "0000aaa1-0000-1000-8000-00805f9b34fb"
	WriteCharacteristic  = "0000aaa2-0000-1000-8000-00805f9b34fb"
)

// Command ids. Responses echo the request's command id.
const (
	CmdBattery       uint8 = 66
	CmdInitDevice    uint8 = 73
	CmdSetDatetime   uint8 = 84
	CmdDeviceSync    uint8 = 86
	CmdDeviceInfo    uint8 = 200
	CmdDeviceType    uint8 = 201
	CmdDeviceState   uint8 = 210
	CmdDeviceConfig  uint8 = 211
	CmdDeviceDetails uint8 = 213
	CmdSetDeviceMode uint8 = 220
	CmdSetConfig     uint8 = 221
	CmdResetFilter   uint8 = 222
)

var commandNames = map[uint8]string{
	CmdBattery:       "GET_BATTERY",
	CmdInitDevice:    "INIT_DEVICE",
	CmdSetDatetime:   "SET_DATETIME",
	CmdDeviceSync:    "GET_DEVICE_SYNC",
	CmdDeviceInfo:    "GET_DEVICE_INFO",
	CmdDeviceType:    "GET_DEVICE_TYPE",
	CmdDeviceState:   "GET_DEVICE_STATE",
	CmdDeviceConfig:  "GET_DEVICE_CONFIG",
	CmdDeviceDetails: "GET_DEVICE_DETAILS",
	CmdSetDeviceMode: "SET_DEVICE_MODE",
	CmdSetConfig:     "SET_DEVICE_CONFIG",
	CmdResetFilter:   "RESET_FILTER",
}

// CommandName returns the firmware name of cmd.
func CommandName(cmd uint8) string {
	if n, ok := commandNames[cmd]; ok {
		return n
	}
	return fmt.Sprintf("CMD_%d", cmd)
}

const idLength = 6

// query is the two-byte argument every read command carries.
var query = []byte{0, 0}

func request(cmd uint8, payload []byte) session.Request {
	return session.Request{Command: cmd, Type: protocol.TypeRequest, Payload: payload}
}

// secretFor derives the session secret: the device id reversed, zero padded to 8 bytes.
func secretFor(id []byte) []byte {
	rev := make([]byte, len(id))
	for i := range id {
		rev[len(id)-1-i] = id[i]
	}
	return pad8(rev)
}

func pad8(b []byte) []byte {
	out := make([]byte, max(8, len(b)))
	copy(out, b)
	return out
}

func initPayload(id, secret []byte) []byte {
	p := append([]byte(nil), query...)
	p = append(p, pad8(id)...)
	return append(p, secret...)
}

func syncPayload(secret []byte) []byte {
	return append(append([]byte(nil), query...), secret...)
}

// datetimePayload encodes t as [century, year, month, day, hour, minute, second].
func datetimePayload(t time.Time) []byte {
	y := t.Year()
	return []byte{
		byte(y / 100), byte(y % 100),
		byte(t.Month()), byte(t.Day()),
		byte(t.Hour()), byte(t.Minute()), byte(t.Second()),
	}
}
