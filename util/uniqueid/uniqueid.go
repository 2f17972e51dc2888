package uniqueid

import (
	"encoding/base64"
	"encoding/binary"
	"math/rand"
	"time"
)

// UniqueId returns a url-safe identifier that sorts roughly by creation time.
// The first 8 bytes are the microsecond timestamp, the rest is random. Used
// for correlation ids on outbound events, so a confirmation pushed back by
// the server can be matched to the action that caused it.
func UniqueId() string {
	b := make([]byte, 16)

	ts := time.Now().UnixMicro()
	binary.BigEndian.PutUint64(b[:8], uint64(ts))

	if _, err := rand.Read(b[8:]); err != nil {
		panic(err)
	}

	return base64.URLEncoding.EncodeToString(b)
}
