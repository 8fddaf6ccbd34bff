// Package protocol implements the subset of the Redis Serialization
// Protocol (RESP) spoken between clients, masters and replicas.
//
// Frames are decoded from a byte buffer one at a time. Decode reports how
// many bytes it consumed, or ErrIncomplete when the buffer ends early, so
// callers can keep reading from the network and retry:
//
//	conn := protocol.NewConn(netConn)
//	for {
//		frame, err := conn.ReadFrame()
//		if err != nil {
//			break
//		}
//		// Handle frame
//	}
//
// The supported frames are:
//   - SimpleStatus (+OK)
//   - Bulk and the null Bulk ($5 hello, $-1)
//   - Array of bulk strings (*2 ...)
//   - RawBytes, the snapshot payload sent without a trailing CRLF
//   - Malformed, for anything else
//
// Parsing is permissive: a bulk length or array count that does not parse
// is read as zero rather than rejected.
package protocol
