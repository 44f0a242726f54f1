package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// LSN is a postgres log sequence number, a byte position in the WAL.
// The zero value means "position unknown".
type LSN uint64

// InvalidLSN is the unknown position, rendered as 0/0.
const InvalidLSN LSN = 0

// WalSegmentSize is the default WAL segment size. The promotion and
// sync-enable thresholds default to one segment.
const WalSegmentSize = 16 * 1024 * 1024

// ParseLSN parses the textual X/Y form, e.g. "16/B374D848".
func ParseLSN(s string) (LSN, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return InvalidLSN, fmt.Errorf("malformed lsn %q", s)
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return InvalidLSN, fmt.Errorf("malformed lsn %q: %w", s, err)
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return InvalidLSN, fmt.Errorf("malformed lsn %q: %w", s, err)
	}
	return LSN(hi<<32 | lo), nil
}

// String renders the canonical X/Y form.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint64(l)>>32, uint64(l)&0xFFFFFFFF)
}

// IsValid reports whether the position is known.
func (l LSN) IsValid() bool {
	return l != InvalidLSN
}

// DistanceBehind returns how many bytes l lags behind other, or zero when l
// is at or past it.
func (l LSN) DistanceBehind(other LSN) uint64 {
	if l >= other {
		return 0
	}
	return uint64(other - l)
}

// MarshalJSON renders the LSN as its textual form.
func (l LSN) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON accepts the textual form.
func (l *LSN) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLSN(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
