package packstream

import "time"

const nanosPerDay = int64(24 * time.Hour)

func daysSinceEpoch(t time.Time) int64 {
	return t.UTC().Unix() / 86400
}

func nanosSinceMidnight(t time.Time) int64 {
	h, m, s := t.Clock()
	return int64(h)*int64(time.Hour) + int64(m)*int64(time.Minute) + int64(s)*int64(time.Second) + int64(t.Nanosecond())
}

func secNsec(t time.Time) (int64, int64) {
	return t.Unix(), int64(t.Nanosecond())
}

// hasNamedZone reports whether t carries an IANA zone name (as opposed to a
// bare numeric offset), which determines whether the zone-id or the
// fixed-offset struct tag is used on the wire. time.LoadLocation locations
// stringify to the zone id itself ("America/New_York", "UTC"); FixedZone
// locations built from a raw offset stringify to "" unless given a name.
func hasNamedZone(t time.Time) bool {
	loc := t.Location().String()
	return loc != "" && loc != "Local"
}

func dateFromDays(days int64) time.Time {
	return time.Unix(days*86400, 0).UTC()
}

func timeFromNanosAndOffset(nanos int64, offsetSeconds int) time.Time {
	loc := time.FixedZone("", offsetSeconds)
	base := time.Date(1970, 1, 1, 0, 0, 0, 0, loc)
	return base.Add(time.Duration(nanos))
}

func localTimeFromNanos(nanos int64) time.Time {
	base := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(nanos))
}

func localDateTimeFromSecNsec(sec, nsec int64) time.Time {
	return time.Unix(sec, nsec).UTC()
}
