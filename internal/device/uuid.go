package device

import (
	"fmt"
	"regexp"
	"strings"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID 0000xxxx-0000-1000-8000-00805f9b34fb.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// It strips a 0x prefix ("0x2902" -> "2902") and shortens full 128-bit UUIDs
// in Bluetooth SIG base format (0000xxxx-0000-1000-8000-00805f9b34fb) to the
// 16-bit form (xxxx).
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")
	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// ExpandUUID returns the dashed 128-bit form of a UUID, expanding 16-bit
// short forms over the Bluetooth SIG base. Backends that only accept full
// UUIDs use it.
func ExpandUUID(uuid string) string {
	s := NormalizeUUID(uuid)
	if len(s) == 4 {
		s = "0000" + s + sigBaseSuffix
	}
	if len(s) != 32 {
		return s
	}
	return fmt.Sprintf("%s-%s-%s-%s-%s", s[0:8], s[8:12], s[12:16], s[16:20], s[20:32])
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

var (
	macAddress    = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)
	darwinAddress = regexp.MustCompile(`^[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}$`)
)

// ValidateAddress accepts a BLE MAC address (AA:BB:CC:DD:EE:FF) or the
// per-host peripheral UUID CoreBluetooth exposes instead of MACs on macOS.
func ValidateAddress(address string) error {
	a := strings.TrimSpace(address)
	if a == "" {
		return fmt.Errorf("device address is empty")
	}
	if macAddress.MatchString(a) || darwinAddress.MatchString(a) {
		return nil
	}
	return fmt.Errorf("invalid device address %q: expected AA:BB:CC:DD:EE:FF", address)
}

// NormalizeAddress returns the canonical (upper-case) address used as device id.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
