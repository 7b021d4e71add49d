package parser

import (
	"regexp"
	"strings"
	"time"
)

// parenthesized matches "(CET)", "(UTC+7)" and similar timezone annotations
// the portal appends to planned-end timestamps.
var parenthesized = regexp.MustCompile(`\([^)]*\)`)

// dateLayouts are tried in order. The portal renders dates in the locale of
// the notification, so day-first and ISO forms both occur.
var dateLayouts = []string{
	"02.01.2006 3:04 PM",
	"02.01.2006 3:04PM",
	"02/01/2006 3:04 PM",
	"02-01-2006 3:04 PM",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
}

// NormalizeDate parses a raw planned-end string and renders it as
// "YYYY-MM-DD HH:mm" in 24h time. Date-only inputs get a 00:00 time.
// Returns "" when no layout matches.
func NormalizeDate(raw string) string {
	cleaned := parenthesized.ReplaceAllString(raw, " ")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		return ""
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t.Format("2006-01-02 15:04")
		}
	}
	return ""
}
