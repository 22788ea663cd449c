package timeshift

import (
	"strings"

	regexp "github.com/grafana/regexp"

	"kptv-timeshift/work/utils"
)

var playseekParam = regexp.MustCompile(`playseek=[^&]*`)

// SpliceIntoURL sets the playseek parameter of target to seekRange,
// replacing an existing occurrence or appending a new one. An empty range
// leaves target untouched.
func SpliceIntoURL(target, seekRange string) string {
	if seekRange == "" {
		return target
	}

	encoded := "playseek=" + utils.PercentEncode(seekRange, "/")
	if strings.Contains(target, "playseek=") {
		return playseekParam.ReplaceAllLiteralString(target, encoded)
	}

	separator := "?"
	if strings.Contains(target, "?") {
		separator = "&"
	}
	return target + separator + encoded
}
