// Package analytics serves usage aggregations through a read-through KV
// cache, with hit/miss telemetry feeding the pre-warmer.
package analytics

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	dailyFingerprintPrefix = "usage:daily:"
	topFingerprintPrefix   = "usage:top:"
)

// DailyFingerprint identifies the per-day usage aggregation over the last
// `days` days.
func DailyFingerprint(days int) string {
	return fmt.Sprintf("%s%d", dailyFingerprintPrefix, days)
}

// TopFingerprint identifies the top-callers aggregation over the last `hours`
// hours, truncated to `limit` rows.
func TopFingerprint(hours, limit int) string {
	return fmt.Sprintf("%s%d:%d", topFingerprintPrefix, hours, limit)
}

type QueryKind int

const (
	QueryDaily QueryKind = iota
	QueryTop
)

// Query is a fingerprint parsed back into its arguments.
type Query struct {
	Kind  QueryKind
	Days  int
	Hours int
	Limit int
}

// ParseFingerprint inverts DailyFingerprint and TopFingerprint. Anything that
// does not match either shape is rejected.
func ParseFingerprint(fingerprint string) (Query, bool) {
	if rest, found := strings.CutPrefix(fingerprint, dailyFingerprintPrefix); found {
		days, err := strconv.Atoi(rest)
		if err != nil || days <= 0 {
			return Query{}, false
		}
		return Query{Kind: QueryDaily, Days: days}, true
	}

	if rest, found := strings.CutPrefix(fingerprint, topFingerprintPrefix); found {
		hoursRaw, limitRaw, found := strings.Cut(rest, ":")
		if !found {
			return Query{}, false
		}
		hours, err := strconv.Atoi(hoursRaw)
		if err != nil || hours <= 0 {
			return Query{}, false
		}
		limit, err := strconv.Atoi(limitRaw)
		if err != nil || limit <= 0 {
			return Query{}, false
		}
		return Query{Kind: QueryTop, Hours: hours, Limit: limit}, true
	}

	return Query{}, false
}
