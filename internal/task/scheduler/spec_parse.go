package scheduler

import (
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseInterval parses a job interval.
//
// Supported forms:
//   - Go duration: "30s", "2h30m"
//   - HH:MM: "00:05" (5 minutes), "02:30" (2 hours 30 minutes)
//   - "@every 1m"
//   - "interval:1m" or "every:1m"
//
// Cron expressions ("*/5 * * * *", "@hourly") are rejected: jobs fire on a
// fixed interval measured from the previous tick.
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, errors.Wrap(ErrInvalidInterval, "interval required")
	}

	low := strings.ToLower(s)
	for _, p := range []string{"interval:", "every:", "@every"} {
		if strings.HasPrefix(low, p) {
			return parseInterval(s[len(p):])
		}
	}
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") || strings.HasPrefix(low, "cron:") {
		return 0, errors.Wrapf(ErrInvalidInterval, "cron schedule %q not supported; use a duration like '5m'", raw)
	}
	return parseInterval(s)
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, errors.Wrap(ErrInvalidInterval, "interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidInterval, "invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, errors.Wrapf(ErrInvalidInterval, "%q", v)
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, errors.Wrapf(ErrInvalidInterval, "invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, errors.Wrapf(ErrInvalidInterval, "invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, errors.Wrapf(ErrInvalidInterval, "%q", v)
	}
	return d, nil
}
