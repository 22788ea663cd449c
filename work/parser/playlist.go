package parser

import (
	"strings"

	"github.com/grafov/m3u8"

	"kptv-timeshift/work/logger"
)

// PlaylistKind labels a manifest for logs and metrics.
type PlaylistKind string

const (
	PlaylistMaster  PlaylistKind = "master"
	PlaylistMedia   PlaylistKind = "media"
	PlaylistUnknown PlaylistKind = "unknown"
)

// ClassifyPlaylist reports whether text is a master or media playlist.
// The grafov decoder is tried first in non-strict mode; when it rejects the
// input the tag scan decides. Classification never blocks a rewrite.
func ClassifyPlaylist(text string) PlaylistKind {
	_, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
	if err == nil {
		switch listType {
		case m3u8.MASTER:
			return PlaylistMaster
		case m3u8.MEDIA:
			return PlaylistMedia
		}
	}
	logger.Debug("{parser/playlist - ClassifyPlaylist} decoder fallback: %v", err)

	switch {
	case strings.Contains(text, "#EXT-X-STREAM-INF"):
		return PlaylistMaster
	case strings.Contains(text, "#EXTINF"), strings.Contains(text, "#EXT-X-TARGETDURATION"):
		return PlaylistMedia
	}
	return PlaylistUnknown
}
