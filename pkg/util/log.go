package util

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// FormatJWS renders a compact JWS for debugging output: decoded header and
// claims as indented JSON, the signature reduced to its length. The token
// is not verified, this is a display aid only.
func FormatJWS(raw string) string {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return fmt.Sprintf("not a compact JWS (%d segments)", len(parts))
	}

	sb := strings.Builder{}
	sb.WriteString("header: ")
	sb.WriteString(decodeSegment(parts[0]))
	sb.WriteString("\nclaims: ")
	sb.WriteString(decodeSegment(parts[1]))
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		sb.WriteString("\nsignature: <malformed>")
	} else {
		fmt.Fprintf(&sb, "\nsignature: %d bytes", len(signature))
	}
	return sb.String()
}

func decodeSegment(segment string) string {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return "<malformed base64url>"
	}
	indented := strings.Builder{}
	if err := json.Indent(&indented, data, "", "  "); err != nil {
		// not JSON, show it raw
		return string(data)
	}
	return indented.String()
}
