// Package marker scans script bytes for the in-content integrity
// opt-in signal. A response that fails the sharing check can still be
// integrity-checked if the resource itself carries the marker, since
// only the author of the script could have put it there.
package marker

import "bytes"

// Marker is the literal opt-in comment. The scan is case-sensitive
// and byte-oriented; no text decoding is applied.
const Marker = "//@ scriptDigest"

// crlfMarker anchors the marker immediately after a CRLF sequence.
var crlfMarker = []byte("\r\n" + Marker)

// Scan reports whether the marker occurs at byte offset 0 of the
// resource or immediately following a CRLF anywhere in it. A lone LF
// does not anchor the marker.
func Scan(b []byte) bool {
	if bytes.HasPrefix(b, []byte(Marker)) {
		return true
	}
	return bytes.Contains(b, crlfMarker)
}
