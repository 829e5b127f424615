package ranking

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Fields are the gjson paths used to read leaderboard and detail payloads.
// An empty Items path means "top-level array, else items".
type Fields struct {
	Items   string
	ID      string
	Name    string
	Rating  string
	Rank    string
	Country string

	Banned         string
	SuspendedUntil string
	DetailCountry  string
}

func DefaultFields() Fields {
	return Fields{
		ID:             "userId",
		Name:           "nick",
		Rating:         "rating",
		Country:        "countryCode",
		Banned:         "isBanned",
		SuspendedUntil: "suspendedUntil",
		DetailCountry:  "countryCode",
	}
}

// withDefaults fills empty paths from DefaultFields. Items and Rank stay optional.
func (f Fields) withDefaults() Fields {
	d := DefaultFields()
	if f.ID == "" {
		f.ID = d.ID
	}
	if f.Name == "" {
		f.Name = d.Name
	}
	if f.Rating == "" {
		f.Rating = d.Rating
	}
	if f.Country == "" {
		f.Country = d.Country
	}
	if f.Banned == "" {
		f.Banned = d.Banned
	}
	if f.SuspendedUntil == "" {
		f.SuspendedUntil = d.SuspendedUntil
	}
	if f.DetailCountry == "" {
		f.DetailCountry = d.DetailCountry
	}
	return f
}

func (f Fields) items(doc gjson.Result) []gjson.Result {
	if f.Items != "" {
		return doc.Get(f.Items).Array()
	}
	if doc.IsArray() {
		return doc.Array()
	}
	return doc.Get("items").Array()
}

// parseTimestamp reads RFC 3339 strings and unix seconds or milliseconds.
func parseTimestamp(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return time.Time{}, false
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixAuto(n), true
		}
	case gjson.Number:
		if n := v.Int(); n > 0 {
			return unixAuto(n), true
		}
	}
	return time.Time{}, false
}

func unixAuto(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func expandPath(base, path string, vars map[string]string) string {
	for k, v := range vars {
		path = strings.ReplaceAll(path, "{"+k+"}", v)
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func escapeID(id string) string { return url.PathEscape(id) }
