// Package temporal extracts explicit or relative date/time windows from
// free-text queries. Parsing is a pure function of (query, now); the
// retrieval engine uses a parsed window to bypass ranked fusion entirely.
package temporal

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimeRange is a half-open recall window [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
	// QuoteOnly is set when the query asks for an exact/verbatim quote; the
	// formatter must not paraphrase or clip the quoted line.
	QuoteOnly bool
}

type partOfDay struct {
	startHour, endHour int
}

// Keyword → hour window. Noon deliberately overlaps morning and afternoon.
var partsOfDay = []struct {
	words []string
	span  partOfDay
}{
	{[]string{"凌晨", "dawn"}, partOfDay{0, 6}},
	{[]string{"早上", "早晨", "上午", "morning"}, partOfDay{6, 12}},
	{[]string{"中午", "noon", "midday"}, partOfDay{11, 13}},
	{[]string{"下午", "afternoon"}, partOfDay{13, 18}},
	{[]string{"晚上", "傍晚", "夜里", "evening", "tonight", "night"}, partOfDay{18, 24}},
}

var quoteWords = []string{"原话", "原文", "一字不差", "exact words", "verbatim", "word for word", "exact quote"}

var (
	dateTimeRE = regexp.MustCompile(`(\d{4})[-/年.](\d{1,2})[-/月.](\d{1,2})日?\s*(\d{1,2}):(\d{1,2})(?::(\d{1,2}))?`)
	dateRE     = regexp.MustCompile(`(\d{4})[-/年.](\d{1,2})[-/月.](\d{1,2})日?`)
	monthDayRE = regexp.MustCompile(`(\d{1,2})[-/月](\d{1,2})日?`)
)

// Parse extracts a recall window from the query, or nil when the query has no
// temporal anchor. Priority: full date+time, then date (+part of day), then
// relative day keywords, then month+day with the year inferred backwards.
func Parse(query string, now time.Time) *TimeRange {
	quoteOnly := hasQuoteIntent(query)
	loc := now.Location()

	if m := dateTimeRE.FindStringSubmatch(query); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		hour, _ := strconv.Atoi(m[4])
		minute, _ := strconv.Atoi(m[5])
		if validDate(year, month, day) && hour < 24 && minute < 60 {
			radius := 5 * time.Minute
			sec := 0
			if m[6] != "" {
				sec, _ = strconv.Atoi(m[6])
				radius = 30 * time.Second
			}
			at := time.Date(year, time.Month(month), day, hour, minute, sec, 0, loc)
			return &TimeRange{Start: at.Add(-radius), End: at.Add(radius), QuoteOnly: quoteOnly}
		}
	}

	if m := dateRE.FindStringSubmatch(query); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if validDate(year, month, day) {
			base := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
			start, end := dayWindow(base, query)
			return &TimeRange{Start: start, End: end, QuoteOnly: quoteOnly}
		}
	}

	if offset, ok := relativeDay(query); ok {
		base := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, offset)
		start, end := dayWindow(base, query)
		return &TimeRange{Start: start, End: end, QuoteOnly: quoteOnly}
	}

	if m := monthDayRE.FindStringSubmatch(query); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		if validDate(2000, month, day) {
			base := time.Date(now.Year(), time.Month(month), day, 0, 0, 0, 0, loc)
			// Most recent non-future occurrence: a date more than 24h ahead
			// of now belongs to last year.
			if base.Sub(now) > 24*time.Hour {
				base = base.AddDate(-1, 0, 0)
			}
			start, end := dayWindow(base, query)
			return &TimeRange{Start: start, End: end, QuoteOnly: quoteOnly}
		}
	}

	return nil
}

// HasQuoteIntent reports whether the query demands a verbatim quote even when
// no time window was found.
func HasQuoteIntent(query string) bool { return hasQuoteIntent(query) }

func hasQuoteIntent(query string) bool {
	q := strings.ToLower(query)
	for _, w := range quoteWords {
		if strings.Contains(q, w) {
			return true
		}
	}
	return false
}

func relativeDay(query string) (offset int, ok bool) {
	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "前天") || strings.Contains(q, "day before yesterday"):
		return -2, true
	case strings.Contains(q, "昨天") || strings.Contains(q, "昨晚") || strings.Contains(q, "yesterday"):
		return -1, true
	case strings.Contains(q, "今天") || strings.Contains(q, "今晚") || strings.Contains(q, "today"):
		return 0, true
	}
	return 0, false
}

// dayWindow narrows a day to a part-of-day span when the query names one,
// otherwise the full day.
func dayWindow(dayStart time.Time, query string) (time.Time, time.Time) {
	q := strings.ToLower(query)
	for _, p := range partsOfDay {
		for _, w := range p.words {
			if strings.Contains(q, w) {
				return dayStart.Add(time.Duration(p.span.startHour) * time.Hour),
					dayStart.Add(time.Duration(p.span.endHour) * time.Hour)
			}
		}
	}
	return dayStart, dayStart.Add(24 * time.Hour)
}

func validDate(year, month, day int) bool {
	if year < 1970 || year > 2200 || month < 1 || month > 12 || day < 1 || day > 31 {
		return false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return int(t.Month()) == month && t.Day() == day
}
