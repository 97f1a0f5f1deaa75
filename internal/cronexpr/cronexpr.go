// Package cronexpr wraps 5-field cron expression parsing with
// next-occurrence computation and human-readable descriptions.
package cronexpr

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts the standard 5-field form only (minute hour
// day-of-month month day-of-week), no seconds and no @descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var dayNames = map[string]string{
	"0": "Sunday",
	"1": "Monday",
	"2": "Tuesday",
	"3": "Wednesday",
	"4": "Thursday",
	"5": "Friday",
	"6": "Saturday",
	"7": "Sunday",
}

// knownPatterns are rendered verbatim before any structural matching.
var knownPatterns = map[string]string{
	"* * * * *": "Every minute",
	"0 * * * *": "Every hour",
	"0 0 * * *": "Daily at midnight",
	"0 0 * * 0": "Every Sunday at midnight",
	"0 0 1 * *": "Monthly on the 1st at midnight",
	"0 0 1 1 *": "Yearly on January 1st at midnight",
}

// parse normalizes a bare day-of-week 7 to 0 (both mean Sunday in
// standard cron, but the underlying parser only accepts 0-6) before
// handing the expression to the parser.
func parse(expr string) (cron.Schedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) == 5 && fields[4] == "7" {
		fields[4] = "0"
		expr = strings.Join(fields, " ")
	}
	return parser.Parse(expr)
}

// Validate reports whether expr is a syntactically valid 5-field cron
// expression.
func Validate(expr string) error {
	if _, err := parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Next returns the first occurrence of expr strictly after from.
func Next(expr string, from time.Time) (time.Time, error) {
	sched, err := parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("no upcoming occurrence for %q", expr)
	}
	return next, nil
}

// Describe renders expr as a human-readable string. Unknown or
// malformed expressions come back unchanged; Describe never fails.
func Describe(expr string) string {
	if Validate(expr) != nil {
		return expr
	}

	if desc, ok := knownPatterns[expr]; ok {
		return desc
	}

	parts := strings.Fields(strings.TrimSpace(expr))
	if len(parts) != 5 {
		return expr
	}
	minute, hour, dom, month, dow := parts[0], parts[1], parts[2], parts[3], parts[4]

	// Every N minutes: */N * * * *
	if n, ok := strings.CutPrefix(minute, "*/"); ok && hour == "*" && dom == "*" && month == "*" && dow == "*" {
		if n == "1" {
			return "Every minute"
		}
		return fmt.Sprintf("Every %s minutes", n)
	}

	// Every N hours: 0 */N * * *
	if n, ok := strings.CutPrefix(hour, "*/"); ok && minute == "0" && dom == "*" && month == "*" && dow == "*" {
		if n == "1" {
			return "Every hour"
		}
		return fmt.Sprintf("Every %s hours", n)
	}

	// The remaining shapes all need a fixed time of day.
	if !isNumeric(minute) || !isNumeric(hour) {
		return expr
	}

	switch {
	case dom == "*" && month == "*" && dow == "*":
		return fmt.Sprintf("Daily at %s:%s", padTime(hour), padTime(minute))
	case dom == "*" && month == "*" && dow == "1-5":
		return fmt.Sprintf("Weekdays at %s:%s", padTime(hour), padTime(minute))
	case dom == "*" && month == "*" && dayNames[dow] != "":
		return fmt.Sprintf("Every %s at %s:%s", dayNames[dow], padTime(hour), padTime(minute))
	case month == "*" && dow == "*" && isNumeric(dom):
		day, _ := strconv.Atoi(dom)
		return fmt.Sprintf("Monthly on the %d%s at %s:%s", day, ordinalSuffix(day), padTime(hour), padTime(minute))
	}

	return expr
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func padTime(v string) string {
	if len(v) < 2 {
		return "0" + v
	}
	return v
}

// ordinalSuffix follows English ordinals: 1st/2nd/3rd, with the
// 11th-13th range always taking "th".
func ordinalSuffix(n int) string {
	if v := n % 100; v >= 11 && v <= 13 {
		return "th"
	}
	switch n % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	}
	return "th"
}
