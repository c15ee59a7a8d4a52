package slack

import (
	"fmt"
	"strconv"
	"strings"

	"chatsearch/internal/chat"
)

// Slack channel, team and user ids are short upper-case base-36 strings ("C024BE91L").
// They always start with a letter, so reading them as base-36 numbers is reversible.

func decodeID(s string) (chat.ID, error) {
	if s == "" || len(s) > 12 {
		return 0, fmt.Errorf("%w: slack id %q", chat.ErrMalformedID, s)
	}
	v, err := strconv.ParseUint(strings.ToLower(s), 36, 64)
	if err != nil || s[0] < 'A' || s[0] > 'Z' {
		return 0, fmt.Errorf("%w: slack id %q", chat.ErrMalformedID, s)
	}
	return chat.ID(v), nil
}

func encodeID(id chat.ID) string {
	return strings.ToUpper(strconv.FormatUint(uint64(id), 36))
}

// Message timestamps ("1355517523.000005") are unique per channel and map onto the
// integer seconds*1e6 + micros, which keeps their order.

func decodeTS(ts string) (chat.ID, error) {
	secs, micros, ok := strings.Cut(ts, ".")
	if !ok || len(micros) != 6 {
		return 0, fmt.Errorf("%w: slack ts %q", chat.ErrMalformedID, ts)
	}
	s, err := strconv.ParseUint(secs, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: slack ts %q", chat.ErrMalformedID, ts)
	}
	m, err := strconv.ParseUint(micros, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: slack ts %q", chat.ErrMalformedID, ts)
	}
	return chat.ID(s*1_000_000 + m), nil
}

func encodeTS(id chat.ID) string {
	return fmt.Sprintf("%d.%06d", uint64(id)/1_000_000, uint64(id)%1_000_000)
}
