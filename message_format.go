package signalr

// recordSeparatorCode is the byte terminating every SignalR JSON Hub
// Protocol record (spec §3, "Frame delimiter").
const recordSeparatorCode = 0x1e

// terminate appends the record separator to an already-encoded JSON record.
// Replaces the teacher's string-based MessageFormat.write with a byte-slice
// version so the codec never round-trips through a string.
func terminate(record []byte) []byte {
	out := make([]byte, len(record)+1)
	copy(out, record)
	out[len(record)] = recordSeparatorCode
	return out
}

// splitRecords splits a transport message on the record separator. A
// trailing empty fragment, produced by the terminating delimiter, is
// discarded. wellFormed reports whether the message's last byte was the
// separator; when it isn't, fragments are still returned best-effort and the
// caller logs "non-SignalR message" (spec §4.A).
func splitRecords(data []byte) (records [][]byte, wellFormed bool) {
	wellFormed = len(data) > 0 && data[len(data)-1] == recordSeparatorCode

	start := 0
	for i, b := range data {
		if b != recordSeparatorCode {
			continue
		}
		if i > start {
			records = append(records, data[start:i])
		}
		start = i + 1
	}
	if start < len(data) {
		records = append(records, data[start:])
	}
	return records, wellFormed
}
