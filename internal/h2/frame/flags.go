package frame

import (
	"fmt"
	"strings"
)

type flagName struct {
	flag Flags
	name string
}

var flagNames = map[Type][]flagName{
	FrameData: {
		{FlagEndStream, "END_STREAM"},
		{FlagPadded, "PADDED"},
	},
	FrameHeaders: {
		{FlagEndStream, "END_STREAM"},
		{FlagEndHeaders, "END_HEADERS"},
		{FlagPadded, "PADDED"},
		{FlagPriority, "PRIORITY"},
	},
	FrameSettings: {
		{FlagAck, "ACK"},
	},
	FramePing: {
		{FlagAck, "ACK"},
	},
	FramePushPromise: {
		{FlagEndHeaders, "END_HEADERS"},
		{FlagPadded, "PADDED"},
	},
	FrameContinuation: {
		{FlagEndHeaders, "END_HEADERS"},
	},
}

// String names the flags as they apply to frames of type t. Bits the
// type does not define are printed in hex.
func (f Flags) String(t Type) string {
	if f == 0 {
		return "0"
	}
	var parts []string
	rest := f
	for _, n := range flagNames[t] {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}
