package ingest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"patterndb/core"
)

var (
	// <pri>Mmm dd hh:mm:ss host rest
	rfc3164Re = regexp.MustCompile(`^<(\d{1,3})>([A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+(.*)$`)
	// <pri>1 timestamp host app procid msgid structured-data msg
	rfc5424Re = regexp.MustCompile(`^<(\d{1,3})>1\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(-|\[.*?\])\s?(.*)$`)
	// program[pid]: message
	tagRe = regexp.MustCompile(`^([^\s\[:]+)(?:\[(\d+)\])?:\s?(.*)$`)
)

var severities = []string{"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug"}

var facilities = []string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "security", "console", "solaris-cron",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

// ParseSyslog parses an RFC 3164 or RFC 5424 line into a record. Lines
// without a priority header are taken as a bare "program[pid]: message" or,
// failing that, as the message alone. now supplies the year RFC 3164
// timestamps lack and the timestamp of lines without one.
func ParseSyslog(raw string, now time.Time) (*core.Record, error) {
	raw = strings.TrimRight(raw, "\r\n")
	if raw == "" {
		return nil, ErrEmptyLine
	}

	if m := rfc5424Re.FindStringSubmatch(raw); m != nil {
		rec := core.NewRecord(now)
		if err := setPriority(rec, m[1]); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, m[2]); err == nil {
			rec.Timestamp = ts
		}
		setNil(rec, core.FieldHost, m[3])
		setNil(rec, core.FieldProgram, m[4])
		setNil(rec, core.FieldPID, m[5])
		setNil(rec, "MSGID", m[6])
		setNil(rec, "SDATA", m[7])
		rec.Set(core.FieldMessage, strings.TrimPrefix(m[8], "\ufeff"))
		return rec, nil
	}

	if m := rfc3164Re.FindStringSubmatch(raw); m != nil {
		rec := core.NewRecord(now)
		if err := setPriority(rec, m[1]); err != nil {
			return nil, err
		}
		rec.Timestamp = parseBSDTimestamp(m[2], now)
		rec.Set(core.FieldHost, m[3])
		setTagAndMessage(rec, m[4])
		return rec, nil
	}

	rec := core.NewRecord(now)
	setTagAndMessage(rec, raw)
	return rec, nil
}

// ParseJSON parses one JSON object into a record. String values become
// fields as they are, other scalars are formatted and nested values are
// kept as their JSON text.
func ParseJSON(raw []byte, now time.Time) (*core.Record, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedInput)
	}
	rec := core.NewRecord(now)
	for k, v := range obj {
		rec.Set(k, stringify(v))
	}
	if ts, ok := rec.Get("timestamp"); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = t
			rec.Delete("timestamp")
		}
	}
	return rec, nil
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func setPriority(rec *core.Record, s string) error {
	pri, err := strconv.Atoi(s)
	if err != nil || pri > 191 {
		return fmt.Errorf("%w: invalid priority %q", ErrMalformedInput, s)
	}
	rec.Set(core.FieldFacility, facilities[pri/8])
	rec.Set(core.FieldLevel, severities[pri%8])
	return nil
}

func setTagAndMessage(rec *core.Record, rest string) {
	m := tagRe.FindStringSubmatch(rest)
	if m == nil {
		rec.Set(core.FieldMessage, rest)
		return
	}
	rec.Set(core.FieldProgram, m[1])
	if m[2] != "" {
		rec.Set(core.FieldPID, m[2])
	}
	rec.Set(core.FieldMessage, m[3])
}

// setNil sets a field unless the value is the RFC 5424 nil value.
func setNil(rec *core.Record, name, value string) {
	if value != "-" && value != "" {
		rec.Set(name, value)
	}
}

func parseBSDTimestamp(s string, now time.Time) time.Time {
	// single digit days arrive padded with a second space
	ts, err := time.ParseInLocation("Jan _2 15:04:05", strings.Join(strings.Fields(s), " "), now.Location())
	if err != nil {
		return now
	}
	year := now.Year()
	// a December message read in January belongs to last year
	if ts.Month() == time.December && now.Month() == time.January {
		year--
	}
	return ts.AddDate(year, 0, 0)
}
