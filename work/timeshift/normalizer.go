// Package timeshift turns catch-up time expressions into seek ranges
// understood by upstream origins.
package timeshift

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"kptv-timeshift/work/logger"
)

// programLayout is the 14-digit calendar form produced for guide ranges.
const programLayout = "20060102150405"

// defaultOffsetHours applies to timezone names missing from zoneOffsets.
const defaultOffsetHours = 8

// zoneOffsets is the closed set of named zones accepted in bracketed
// expressions, as fixed hour offsets from UTC.
var zoneOffsets = map[string]int{
	"Asia/Shanghai":    8,
	"UTC":              0,
	"GMT":              0,
	"US/Eastern":       -5,
	"US/Pacific":       -8,
	"Europe/London":    0,
	"Europe/Paris":     1,
	"Asia/Tokyo":       9,
	"Australia/Sydney": 10,
}

// patternTokens maps the pattern letters of a bracketed expression to the
// calendar field each one stands for.
var patternTokens = []struct {
	token  string
	layout string
}{
	{"yyyy", "2006"},
	{"MM", "01"},
	{"dd", "02"},
	{"HH", "15"},
	{"mm", "04"},
	{"ss", "05"},
}

// guideLayouts are tried in order against completed program-guide strings.
// hasYear is false for layouts whose result must be moved to the current year.
var guideLayouts = []struct {
	layout  string
	hasYear bool
}{
	{"2006-1-2 15:4:5", true},
	{"2006-1-2 15:4", true},
	{"1-2 15:4:5", false},
	{"1-2 15:4", false},
	{"15:4:5", false},
	{"15:4", false},
}

// Result carries a normalized value and whether a degradation path produced it.
type Result struct {
	Value    string
	Fallback bool
}

// Normalizer converts time expressions against an injectable clock.
type Normalizer struct {
	Now func() time.Time
}

// NewNormalizer returns a Normalizer on the wall clock.
func NewNormalizer() *Normalizer {
	return &Normalizer{Now: time.Now}
}

func (n *Normalizer) now() time.Time {
	if n.Now == nil {
		return time.Now()
	}
	return n.Now()
}

func (n *Normalizer) nowMillis() string {
	return strconv.FormatInt(n.now().UnixMilli(), 10)
}

// Normalize converts one side of a seek range.
//
// Bare 13-digit epochs pass through, bare 10-digit epochs gain a literal
// "000" suffix, and ${(format|zone)} expressions are rendered against the
// current time. Anything else is returned unchanged.
func (n *Normalizer) Normalize(expr string) Result {
	clean := strings.TrimSpace(expr)

	bracketed := strings.HasPrefix(clean, "${(") && strings.HasSuffix(clean, ")}") && len(clean) >= 5
	if bracketed {
		clean = clean[3 : len(clean)-2]
	}

	if isDigits(clean) {
		switch len(clean) {
		case 13:
			return Result{Value: clean}
		case 10:
			return Result{Value: clean + "000"}
		}
	}

	if !bracketed {
		return Result{Value: clean}
	}
	return n.evaluate(clean)
}

// evaluate renders the inside of a bracketed expression.
func (n *Normalizer) evaluate(inner string) Result {
	format, zone, hasZone := strings.Cut(inner, "|")

	switch format {
	case "b", "e":
		return Result{Value: n.nowMillis()}
	case "b10", "e10":
		return Result{Value: strconv.FormatInt(n.now().Unix(), 10)}
	}

	if len(format) > 1 && (format[0] == 'b' || format[0] == 'e') {
		format = format[1:]
	}
	if format == "" {
		logger.Warn("{timeshift/normalizer - evaluate} empty format in expression %q", inner)
		return Result{Value: n.nowMillis(), Fallback: true}
	}

	current := n.now()
	if hasZone {
		offset, ok := zoneOffsets[zone]
		if !ok {
			logger.Debug("{timeshift/normalizer - evaluate} unknown zone %q, using UTC%+d", zone, defaultOffsetHours)
			offset = defaultOffsetHours
		}
		current = current.In(time.FixedZone(zone, offset*3600))
	}

	return Result{Value: renderPattern(format, current)}
}

// renderPattern substitutes pattern tokens left to right; other text is
// copied literally.
func renderPattern(format string, t time.Time) string {
	var b strings.Builder
	for i := 0; i < len(format); {
		matched := false
		for _, pt := range patternTokens {
			if strings.HasPrefix(format[i:], pt.token) {
				b.WriteString(t.Format(pt.layout))
				i += len(pt.token)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(format[i])
			i++
		}
	}
	return b.String()
}

// ProcessPlayseek normalizes both halves of a "start-end" expression,
// splitting on the first hyphen.
func (n *Normalizer) ProcessPlayseek(expr string) Result {
	start, end, ok := strings.Cut(expr, "-")
	if expr == "" || !ok {
		return Result{Value: expr}
	}

	s := n.Normalize(start)
	e := n.Normalize(end)
	return Result{
		Value:    s.Value + "-" + e.Value,
		Fallback: s.Fallback || e.Fallback,
	}
}

// ProgramRange converts a program-guide start/end pair into
// "yyyyMMddHHmmss-yyyyMMddHHmmss".
//
// Accepted shapes include "11-20 07:00", "2024-11-20 07:00:00" and a bare
// "07:00", which is placed on the current day.
func (n *Normalizer) ProgramRange(start, end string) Result {
	start = strings.TrimSpace(start)
	end = strings.TrimSpace(end)

	startFull, endFull, err := n.completeGuidePair(start, end)
	if err != nil {
		logger.Warn("{timeshift/normalizer - ProgramRange} failed to convert %s-%s: %v", start, end, err)
		now := n.now().UnixMilli()
		return Result{Value: fmt.Sprintf("%d-%d", now, now+3600000), Fallback: true}
	}

	startTime, startOK := n.parseGuideTime(startFull)
	endTime, endOK := n.parseGuideTime(endFull)

	return Result{
		Value:    startTime.Format(programLayout) + "-" + endTime.Format(programLayout),
		Fallback: !startOK || !endOK,
	}
}

// completeGuidePair adds the missing year or date to a guide pair.
func (n *Normalizer) completeGuidePair(start, end string) (string, string, error) {
	current := n.now()

	if !strings.Contains(start, " ") || !strings.Contains(end, " ") {
		today := current.Format("2006-01-02")
		return today + " " + start, today + " " + end, nil
	}

	startDate, startClock, _ := strings.Cut(start, " ")
	endDate, endClock, _ := strings.Cut(end, " ")

	startParts := strings.Split(startDate, "-")
	if len(startParts) != 2 {
		return start, end, nil
	}

	endParts := strings.Split(endDate, "-")
	if len(endParts) < 2 {
		return "", "", fmt.Errorf("end date %q has no month-day form", endDate)
	}

	year := current.Year()
	return fmt.Sprintf("%d-%s-%s %s", year, startParts[0], startParts[1], startClock),
		fmt.Sprintf("%d-%s-%s %s", year, endParts[0], endParts[1], endClock),
		nil
}

// parseGuideTime tries each guide layout in order; it reports false and
// returns "now" when none matches.
func (n *Normalizer) parseGuideTime(value string) (time.Time, bool) {
	current := n.now()
	for _, candidate := range guideLayouts {
		t, err := time.ParseInLocation(candidate.layout, value, current.Location())
		if err != nil {
			continue
		}
		if !candidate.hasYear {
			t = time.Date(current.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, current.Location())
		}
		return t, true
	}
	logger.Debug("{timeshift/normalizer - parseGuideTime} no layout matched %q, using now", value)
	return current, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
