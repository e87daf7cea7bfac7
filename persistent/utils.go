package persistent

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"

	"github.com/mkuznets/raftcore/common"
)

// encodeLogEntry gob-encodes entry, snappy-compresses the result, and
// prefixes it with an xxhash checksum of the compressed bytes so a
// corrupted page is detected on read instead of being handed to the log
// store's caller.
func encodeLogEntry(entry common.LogEntry) ([]byte, error) {
	buf := bytes.Buffer{}
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, err
	}
	compressed := snappy.Encode(nil, buf.Bytes())

	sum := xxhash.Sum64(compressed)
	out := make([]byte, 8+len(compressed))
	binary.BigEndian.PutUint64(out[:8], sum)
	copy(out[8:], compressed)
	return out, nil
}

func decodeLogEntry(raw []byte) (common.LogEntry, error) {
	var entry common.LogEntry
	if len(raw) < 8 {
		return entry, fmt.Errorf("persistent: encoded entry too short (%d bytes)", len(raw))
	}
	wantSum := binary.BigEndian.Uint64(raw[:8])
	compressed := raw[8:]
	if xxhash.Sum64(compressed) != wantSum {
		return entry, errCorrupt
	}
	decompressed, err := snappy.Decode(nil, compressed)
	if err != nil {
		return entry, err
	}
	if err := gob.NewDecoder(bytes.NewReader(decompressed)).Decode(&entry); err != nil {
		return entry, err
	}
	return entry, nil
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func uint64ToBytes(u uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, u)
	return buf
}

func int64ToBytes(i int64) []byte {
	return uint64ToBytes(uint64(i))
}
