package wb

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Stream IDs have the form "<ms>-<seq>" and order first by the millisecond
// part, then by the sequence part. "0-0" precedes every ID a store assigns.

// ParseStreamID splits an ID into its numeric parts. A missing sequence part
// parses as 0 ("1712345678901" == "1712345678901-0").
func ParseStreamID(id string) (ms, seq int64, err error) {
	if id == "" {
		return 0, 0, fmt.Errorf("empty stream id")
	}
	msPart, seqPart, found := strings.Cut(id, "-")
	ms, err = strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	if !found || seqPart == "" {
		return ms, 0, nil
	}
	seq, err = strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	return ms, seq, nil
}

// CompareIDs returns -1, 0, or 1 as a orders before, equal to, or after b.
// Unparseable IDs (including "") compare as "0-0" so a malformed checkpoint
// never blocks processing.
func CompareIDs(a, b string) int {
	ams, aseq := parseOrZero(a)
	bms, bseq := parseOrZero(b)
	switch {
	case ams < bms:
		return -1
	case ams > bms:
		return 1
	case aseq < bseq:
		return -1
	case aseq > bseq:
		return 1
	default:
		return 0
	}
}

// IDAfter reports whether a is strictly newer than b.
func IDAfter(a, b string) bool {
	return CompareIDs(a, b) > 0
}

// PrevID returns an ID ordering immediately before id. Readers use it to
// anchor a tail cursor just before an event they still need to redeliver.
func PrevID(id string) string {
	ms, seq, err := ParseStreamID(id)
	if err != nil {
		return "0-0"
	}
	if seq > 0 {
		return fmt.Sprintf("%d-%d", ms, seq-1)
	}
	if ms == 0 {
		return "0-0"
	}
	return fmt.Sprintf("%d-%d", ms-1, int64(math.MaxInt64))
}

func parseOrZero(id string) (int64, int64) {
	ms, seq, err := ParseStreamID(id)
	if err != nil {
		return 0, 0
	}
	return ms, seq
}
