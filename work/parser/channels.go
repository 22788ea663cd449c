package parser

import (
	"strings"

	regexp "github.com/grafana/regexp"

	"kptv-timeshift/work/types"
	"kptv-timeshift/work/utils"
)

// DefaultGroup names channels listed before any group heading.
const DefaultGroup = "默认分组"

const genreMarker = ",#genre#"

var (
	channelIDParam = regexp.MustCompile(`[?&]id=([^&]+)`)
	segmentRef     = regexp.MustCompile(`(\S+\.ts)`)
)

// ParseChannelList reads a "name,url" channel list. A "Group,#genre#" line
// sets the group for the lines that follow. Only entries whose URL carries
// an ?id= parameter are kept.
func ParseChannelList(raw string) []types.Channel {
	var channels []types.Channel
	group := DefaultGroup

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.Contains(line, genreMarker) {
			group = strings.TrimSpace(strings.ReplaceAll(line, genreMarker, ""))
			continue
		}

		name, link, ok := strings.Cut(line, ",")
		if !ok || !strings.Contains(link, "?id=") {
			continue
		}

		match := channelIDParam.FindStringSubmatch(link)
		if match == nil {
			continue
		}
		channels = append(channels, types.Channel{
			ID:    match[1],
			Name:  strings.TrimSpace(name),
			Group: group,
		})
	}

	return channels
}

// RewriteSegmentRefs points every "*.ts" reference in a gateway playlist at
// base, appending the reference as the ts parameter.
func RewriteSegmentRefs(content, base string) string {
	return segmentRef.ReplaceAllStringFunc(content, func(ref string) string {
		return base + "&ts=" + utils.PercentEncode(ref, "/")
	})
}
