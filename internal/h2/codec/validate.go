package codec

import (
	"fmt"
	"strings"

	"golang.org/x/net/http2/hpack"
)

func isConnectionSpecific(name string) bool {
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return true
	}
	return false
}

// ValidateRequestHeaders checks the fields of a request header block:
// lowercase names, known pseudo-headers ahead of regular ones, the
// mandatory :method, :scheme and :path, and no connection-specific fields.
func ValidateRequestHeaders(fields []hpack.HeaderField) error {
	var (
		hasMethod   bool
		hasScheme   bool
		hasPath     bool
		seenRegular bool
		seenPseudo  = make(map[string]bool, 4)
	)

	for _, f := range fields {
		if f.Name != strings.ToLower(f.Name) {
			return fmt.Errorf("header field name must be lowercase: %s", f.Name)
		}

		if !f.IsPseudo() {
			seenRegular = true
			if isConnectionSpecific(f.Name) {
				return fmt.Errorf("connection-specific header not allowed: %s", f.Name)
			}
			if f.Name == "te" && f.Value != "trailers" {
				return fmt.Errorf("TE header must be 'trailers', got: %s", f.Value)
			}
			continue
		}

		if seenRegular {
			return fmt.Errorf("pseudo-header %s appears after regular header", f.Name)
		}
		if seenPseudo[f.Name] {
			return fmt.Errorf("duplicate pseudo-header: %s", f.Name)
		}
		seenPseudo[f.Name] = true

		switch f.Name {
		case ":method":
			hasMethod = true
		case ":scheme":
			hasScheme = true
		case ":path":
			hasPath = true
			if f.Value == "" {
				return fmt.Errorf("empty :path pseudo-header")
			}
		case ":authority":
		default:
			return fmt.Errorf("unknown pseudo-header: %s", f.Name)
		}
	}

	if !hasMethod {
		return fmt.Errorf("missing required :method pseudo-header")
	}
	// CONNECT carries neither :scheme nor :path.
	if methodOf(fields) == "CONNECT" {
		return nil
	}
	if !hasScheme {
		return fmt.Errorf("missing required :scheme pseudo-header")
	}
	if !hasPath {
		return fmt.Errorf("missing required :path pseudo-header")
	}
	return nil
}

func methodOf(fields []hpack.HeaderField) string {
	for _, f := range fields {
		if f.Name == ":method" {
			return f.Value
		}
	}
	return ""
}

// ValidateTrailers checks a trailing header block. Trailers carry no
// pseudo-headers and follow the same restrictions as regular fields.
func ValidateTrailers(fields []hpack.HeaderField) error {
	for _, f := range fields {
		if f.Name != strings.ToLower(f.Name) {
			return fmt.Errorf("header field name must be lowercase: %s", f.Name)
		}
		if f.IsPseudo() {
			return fmt.Errorf("pseudo-header not allowed in trailers: %s", f.Name)
		}
		if isConnectionSpecific(f.Name) {
			return fmt.Errorf("connection-specific header not allowed in trailers: %s", f.Name)
		}
		if f.Name == "te" && f.Value != "trailers" {
			return fmt.Errorf("TE header must be 'trailers', got: %s", f.Value)
		}
	}
	return nil
}

// validateStreamID checks that a client opened streamID after last.
func validateStreamID(streamID, last uint32) error {
	if streamID == 0 {
		return fmt.Errorf("stream ID 0 is reserved")
	}
	if streamID%2 == 0 {
		return fmt.Errorf("client sent even-numbered stream ID: %d", streamID)
	}
	if streamID <= last {
		return fmt.Errorf("stream ID %d is not greater than last stream %d", streamID, last)
	}
	return nil
}
