package util

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const connectionIDSuffixLen = 9

// NewConnectionID returns an opaque connection id of the form
// conn_<unix millis>_<9 base36 chars>.
func NewConnectionID(now time.Time) string {
	u := uuid.New()
	suffix := strconv.FormatUint(binary.BigEndian.Uint64(u[:8]), 36)
	if len(suffix) < connectionIDSuffixLen {
		suffix = strings.Repeat("0", connectionIDSuffixLen-len(suffix)) + suffix
	}
	return "conn_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + suffix[:connectionIDSuffixLen]
}
