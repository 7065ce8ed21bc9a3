package antifraud

import (
	"strconv"
	"strings"
)

// uaMarkerFamily is one browser family probed in order: the first family
// whose marker yields a version wins.
type uaMarkerFamily struct {
	prefix  string
	markers []string
}

var uaFamilies = []uaMarkerFamily{
	{prefix: "edge_", markers: []string{"edg/", "edge/"}},
	{prefix: "ch_", markers: []string{"chrome/", "crios/", "chromium/"}},
	{prefix: "ff_", markers: []string{"firefox/", "fxios/"}},
}

// UAFingerprint folds a raw User-Agent into a coarse class used for mismatch
// tracking. Empty input yields the empty string (no fingerprint). Telegram
// clients fold to "tg_webapp" before the generic bot check so that
// "TelegramBot" is still attributed to the web app.
func UAFingerprint(ua string) string {
	if ua == "" {
		return ""
	}
	lower := strings.ToLower(ua)
	if strings.Contains(lower, "telegram") {
		return "tg_webapp"
	}
	if strings.Contains(lower, "bot") {
		return "bot"
	}
	for _, family := range uaFamilies {
		for _, marker := range family.markers {
			if major, ok := parseMajorAfter(lower, marker); ok {
				return family.prefix + strconv.Itoa(major)
			}
		}
	}
	// Safari reports its version behind "version/" rather than a own-name
	// marker, so it is only meaningful when "safari" is present too.
	if strings.Contains(lower, "safari") {
		if major, ok := parseMajorAfter(lower, "version/"); ok {
			return "sf_" + strconv.Itoa(major)
		}
	}
	return "unk"
}

// parseMajorAfter scans for marker and reads the major version that follows.
// Non-digit delimiters in [a-z . _ / space] between the marker and the first
// digit are skipped; any other byte aborts the marker.
func parseMajorAfter(lower, marker string) (int, bool) {
	idx := strings.Index(lower, marker)
	if idx < 0 {
		return 0, false
	}
	pos := idx + len(marker)
	for pos < len(lower) {
		c := lower[pos]
		if c >= '0' && c <= '9' {
			end := pos
			for end < len(lower) && lower[end] >= '0' && lower[end] <= '9' {
				end++
			}
			major, err := strconv.Atoi(lower[pos:end])
			if err != nil {
				return 0, false
			}
			return major, true
		}
		if (c >= 'a' && c <= 'z') || c == '.' || c == '_' || c == '/' || c == ' ' {
			pos++
			continue
		}
		return 0, false
	}
	return 0, false
}
