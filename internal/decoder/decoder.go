// Package decoder turns raw characteristic payloads into values the
// presentation layer can display.
package decoder

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/srg/gattlink/internal/bledb"
)

const (
	// HeartRateMeasurementUUID is the normalized UUID of the Heart Rate Measurement characteristic.
	HeartRateMeasurementUUID = "2a37"

	// ClientCharacteristicConfigUUID is the normalized UUID of the CCCD.
	ClientCharacteristicConfigUUID = "2902"

	// heartRateValueOffset is where the measurement value starts; byte 0 carries the flags.
	heartRateValueOffset = 1

	// heartRateUint16Flag selects a 16-bit measurement value.
	heartRateUint16Flag = 0x01
)

// FlagSource selects where the Heart Rate format flags are taken from.
type FlagSource string

const (
	// FlagsFromProperties uses the characteristic property bits.
	FlagsFromProperties FlagSource = "properties"
	// FlagsFromPayload uses the first payload byte, as defined by the Heart Rate Service.
	FlagsFromPayload FlagSource = "payload"
)

// ParseFlagSource validates a flag source name. An empty name selects FlagsFromProperties.
func ParseFlagSource(s string) (FlagSource, error) {
	switch FlagSource(strings.ToLower(strings.TrimSpace(s))) {
	case "", FlagsFromProperties:
		return FlagsFromProperties, nil
	case FlagsFromPayload:
		return FlagsFromPayload, nil
	default:
		return "", fmt.Errorf("invalid heart rate flag source %q (must be %q or %q)", s, FlagsFromProperties, FlagsFromPayload)
	}
}

// Kind tags the variant held by a Value.
type Kind int

const (
	KindHeartRate Kind = iota
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindHeartRate:
		return "heart_rate"
	case KindRaw:
		return "raw"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a decoded characteristic payload.
// HeartRate is set for KindHeartRate; Hex and Raw are set for KindRaw.
type Value struct {
	Kind      Kind
	HeartRate string
	Hex       string
	Raw       []byte
}

// String renders the value the way it is shown to users.
func (v Value) String() string {
	if v.Kind == KindHeartRate {
		return v.HeartRate
	}
	return v.Hex
}

// IsHeartRateMeasurement reports whether uuid names the Heart Rate Measurement characteristic.
func IsHeartRateMeasurement(uuid string) bool {
	return bledb.NormalizeUUID(uuid) == HeartRateMeasurementUUID
}

// Decode converts payload read from the characteristic identified by uuid.
// flags is only consulted for the Heart Rate Measurement characteristic.
// The second result is false when there is nothing to report: an empty payload,
// or a heart rate payload too short for the format selected by flags.
func Decode(uuid string, payload []byte, flags int) (Value, bool) {
	if IsHeartRateMeasurement(uuid) {
		rate, ok := heartRate(payload, flags)
		if !ok {
			return Value{}, false
		}
		return Value{Kind: KindHeartRate, HeartRate: strconv.Itoa(rate)}, true
	}

	if len(payload) == 0 {
		return Value{}, false
	}
	raw := make([]byte, len(payload))
	copy(raw, payload)
	return Value{Kind: KindRaw, Hex: FormatHex(payload), Raw: raw}, true
}

// HeartRateFlags picks the flag word for a Heart Rate Measurement payload.
func HeartRateFlags(source FlagSource, properties int, payload []byte) int {
	if source == FlagsFromPayload {
		if len(payload) == 0 {
			return 0
		}
		return int(payload[0])
	}
	return properties
}

func heartRate(payload []byte, flags int) (int, bool) {
	if flags&heartRateUint16Flag != 0 {
		if len(payload) < heartRateValueOffset+2 {
			return 0, false
		}
		return int(binary.LittleEndian.Uint16(payload[heartRateValueOffset:])), true
	}
	if len(payload) < heartRateValueOffset+1 {
		return 0, false
	}
	return int(payload[heartRateValueOffset]), true
}

// FormatHex renders data as uppercase two-digit hex pairs separated by spaces.
func FormatHex(data []byte) string {
	var b strings.Builder
	b.Grow(len(data) * 3)
	for i, c := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}
