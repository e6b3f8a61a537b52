package frame

import (
	"fmt"
	"slices"

	"golang.org/x/net/http2"
)

// settingEntryLen is the wire size of one setting.
const settingEntryLen = 6

// SettingsFrame conveys configuration parameters. A decoded frame whose
// payload length was not a multiple of six is malformed: NumberOfSettings
// returns -1 and Settings returns ErrMalformedSettings. Callers must check
// before applying it.
type SettingsFrame struct {
	frameHeader
	settings  []http2.Setting
	malformed bool
	rawLen    int
}

// NewSettingsFrame returns a SETTINGS frame holding settings, in order,
// with later duplicates overriding earlier ones.
func NewSettingsFrame(settings ...http2.Setting) *SettingsFrame {
	f := settingsPool.get()
	for _, s := range settings {
		f.Add(s.ID, s.Val)
	}
	return f
}

// NewSettingsAck returns an acknowledging SETTINGS frame.
func NewSettingsAck() *SettingsFrame {
	f := settingsPool.get()
	f.setFlag(FlagAck, true)
	return f
}

// Type implements Frame.
func (f *SettingsFrame) Type() Type { return FrameSettings }

// IsAck reports the ACK flag.
func (f *SettingsFrame) IsAck() bool { return f.flags.Has(FlagAck) }

// SetAck sets the ACK flag.
func (f *SettingsFrame) SetAck(v bool) { f.setFlag(FlagAck, v) }

// Add sets id to val. An existing entry for id is removed first, so the
// last value wins and moves to the end.
func (f *SettingsFrame) Add(id http2.SettingID, val uint32) {
	f.Remove(id)
	f.settings = append(f.settings, http2.Setting{ID: id, Val: val})
	f.onPayloadUpdated()
}

// Remove deletes the entry for id and reports whether there was one.
func (f *SettingsFrame) Remove(id http2.SettingID) bool {
	i := slices.IndexFunc(f.settings, func(s http2.Setting) bool { return s.ID == id })
	if i < 0 {
		return false
	}
	f.settings = slices.Delete(f.settings, i, i+1)
	f.onPayloadUpdated()
	return true
}

// Value returns the value for id.
func (f *SettingsFrame) Value(id http2.SettingID) (uint32, bool) {
	for _, s := range f.settings {
		if s.ID == id {
			return s.Val, true
		}
	}
	return 0, false
}

// NumberOfSettings returns the number of entries, or -1 for a malformed
// frame.
func (f *SettingsFrame) NumberOfSettings() int {
	if f.malformed {
		return -1
	}
	return len(f.settings)
}

// Settings returns the entries. It fails for a malformed frame.
func (f *SettingsFrame) Settings() ([]http2.Setting, error) {
	if f.malformed {
		return nil, ErrMalformedSettings
	}
	return f.settings, nil
}

// ForEach calls fn for every entry until fn returns an error.
func (f *SettingsFrame) ForEach(fn func(http2.Setting) error) error {
	if f.malformed {
		return ErrMalformedSettings
	}
	for _, s := range f.settings {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

// Normalize implements Frame.
func (f *SettingsFrame) Normalize() {}

// Length implements Frame. A malformed frame reports its raw length.
func (f *SettingsFrame) Length() int {
	return f.cachedLength(func() int {
		if f.malformed {
			return f.rawLen
		}
		return settingEntryLen * len(f.settings)
	})
}

// AppendTo implements Frame. A malformed frame is written with its raw
// length and zeroed payload.
func (f *SettingsFrame) AppendTo(dst []byte) []byte {
	dst = appendHeader(dst, f.Length(), FrameSettings, f.flags, f.streamID)
	if f.malformed {
		return appendPadding(dst, f.rawLen)
	}
	for _, s := range f.settings {
		dst = append(dst, byte(s.ID>>8), byte(s.ID))
		dst = appendUint32(dst, s.Val)
	}
	return dst
}

// Recycle implements Frame.
func (f *SettingsFrame) Recycle() {
	clear(f.settings)
	settings := f.settings[:0]
	*f = SettingsFrame{settings: settings}
	settingsPool.put(f)
}

func (f *SettingsFrame) String() string {
	if f.malformed {
		return formatFrame(f, "malformed")
	}
	return formatFrame(f, fmt.Sprintf("settings=%v", f.settings))
}
