package parser

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kptv-timeshift/work/types"
)

const self = "http://proxy.test/p"

func decodeTarget(t *testing.T, line string) url.Values {
	t.Helper()
	u, err := url.Parse(line)
	require.NoError(t, err)
	return u.Query()
}

func TestResolveReference(t *testing.T) {
	base := "http://o.test/a/b/index.m3u8?token=1"
	tests := []struct {
		ref, want string
	}{
		{"segment1.ts", "http://o.test/a/b/segment1.ts"},
		{"../c/seg.ts?x=1", "http://o.test/a/c/seg.ts?x=1"},
		{"/root/seg.ts", "http://o.test/root/seg.ts"},
		{"//cdn.test/seg.ts", "http://cdn.test/seg.ts"},
		{"https://cdn.test/seg.ts", "https://cdn.test/seg.ts"},
		{"http://cdn.test/x/../seg.ts", "http://cdn.test/x/../seg.ts"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveReference(base, tt.ref), tt.ref)
	}
}

func TestRewriteManifest_RelativeSegment(t *testing.T) {
	manifest := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6,\nsegment1.ts\n"
	out := RewriteManifest(manifest, RewriteContext{
		SelfURL:     self,
		ManifestURL: "http://o.test/a/b/index.m3u8",
	})

	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, "#EXTINF:6,", lines[2])
	assert.True(t, strings.HasPrefix(lines[3], self+"?target="))
	assert.Equal(t, "http://o.test/a/b/segment1.ts", decodeTarget(t, lines[3]).Get("target"))
}

func TestRewriteManifest_AbsoluteKeptVerbatim(t *testing.T) {
	out := RewriteManifest("#EXTM3U\nhttps://cdn.test/seg.ts", RewriteContext{
		SelfURL:     self,
		ManifestURL: "http://o.test/live/index.m3u8",
	})
	assert.Equal(t, "#EXTM3U\n"+self+"?target=https%3A%2F%2Fcdn.test%2Fseg.ts", out)
}

func TestRewriteManifest_Passthrough(t *testing.T) {
	rc := RewriteContext{
		SelfURL:     self,
		ManifestURL: "http://o.test/live/index.m3u8",
		Passthrough: Passthrough{
			Proxy:    "socks5://u:p@h:1080",
			Playseek: "${(b)yyyyMMddHHmmss|UTC}-${(e)yyyyMMddHHmmss|UTC}",
			Start:    "11-20 07:00",
			End:      "11-20 08:00",
		},
	}
	out := RewriteManifest("#EXTM3U\r\n\r\n/abs/low.m3u8\r\n", rc)

	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "", lines[1])

	q := decodeTarget(t, lines[2])
	assert.Equal(t, "http://o.test/abs/low.m3u8", q.Get("target"))
	assert.Equal(t, rc.Proxy, q.Get("proxy"))
	assert.Equal(t, rc.Playseek, q.Get("playseek"))
	assert.Equal(t, rc.Start, q.Get("start"))
	assert.Equal(t, rc.End, q.Get("end"))
	assert.NotContains(t, lines[2], " ")
	assert.NotContains(t, lines[2], "+")

	// feeding the output back through the rewriter leaves it unchanged
	assert.Equal(t, out, RewriteManifest(out, rc))
}

func TestRewriteManifest_EmptyAndOrdering(t *testing.T) {
	assert.Equal(t, "", RewriteManifest("", RewriteContext{SelfURL: self}))
	assert.Equal(t, "  \n", RewriteManifest("  \n", RewriteContext{SelfURL: self}))

	out := RewriteManifest("#A\nb.ts\n#C\nb.ts\n#D", RewriteContext{SelfURL: self, ManifestURL: "http://o.test/x.m3u8"})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, []string{"#A", "#C", "#D"}, []string{lines[0], lines[2], lines[4]})
	assert.Equal(t, lines[1], lines[3])
}

func TestRewriteManifest_KeepsLinesAfterOversizedLine(t *testing.T) {
	long := "#EXT-X-DATERANGE:ID=\"ad\",X-PAYLOAD=\"" + strings.Repeat("A", 2<<20) + "\""
	text := "#EXTM3U\r\n" + long + "\r\n#EXTINF:6,\r\nseg1.ts\r\n"

	out := RewriteManifest(text, RewriteContext{SelfURL: self, ManifestURL: "http://o.test/live/x.m3u8"})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, long, lines[1])
	assert.Equal(t, "#EXTINF:6,", lines[2])
	assert.Equal(t, "http://o.test/live/seg1.ts", decodeTarget(t, lines[3]).Get("target"))
}

func TestBuildProxyURL(t *testing.T) {
	assert.Equal(t,
		"http://proxy.test/?target=http%3A%2F%2Fo.test%2Fa.ts&playseek=1700000000-1700003600",
		BuildProxyURL("http://proxy.test/", "http://o.test/a.ts", Passthrough{Playseek: "1700000000-1700003600"}))

	assert.Equal(t,
		"http://proxy.test/x?k=v&target=t&end=e",
		BuildProxyURL("http://proxy.test/x?k=v", "t", Passthrough{End: "e"}))
}

func TestClassifyPlaylist(t *testing.T) {
	master := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=1280x720\nhigh.m3u8\n"
	media := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:1\n#EXTINF:10.0,\nseg1.ts\n"

	assert.Equal(t, PlaylistMaster, ClassifyPlaylist(master))
	assert.Equal(t, PlaylistMedia, ClassifyPlaylist(media))
	assert.Equal(t, PlaylistUnknown, ClassifyPlaylist("not a playlist"))
}

func TestParseChannelList(t *testing.T) {
	raw := strings.Join([]string{
		"CCTV1,http://src.test/play?id=cctv1",
		"",
		"央视,#genre#",
		"CCTV2 , http://src.test/play?id=cctv2&q=hd",
		"NoID,http://src.test/play?ch=3",
		"AmpOnly,http://src.test/play?x=1&id=skip",
		"卫视,#genre#",
		"Hunan,http://src.test/play?id=hunan",
		"broken line without comma",
	}, "\n")

	got := ParseChannelList(raw)
	assert.Equal(t, []types.Channel{
		{ID: "cctv1", Name: "CCTV1", Group: DefaultGroup},
		{ID: "cctv2", Name: "CCTV2", Group: "央视"},
		{ID: "hunan", Name: "Hunan", Group: "卫视"},
	}, got)
}

func TestRewriteSegmentRefs(t *testing.T) {
	content := "#EXTM3U\n#EXTINF:10,\n1732060800/seg 1.ts\n#EXTINF:10,\nseg2.ts\n"
	out := RewriteSegmentRefs(content, "http://proxy.test/?id=cctv1&token=tok")

	assert.Equal(t,
		"#EXTM3U\n#EXTINF:10,\n1732060800/seg http://proxy.test/?id=cctv1&token=tok&ts=1.ts\n#EXTINF:10,\nhttp://proxy.test/?id=cctv1&token=tok&ts=seg2.ts\n",
		out)
}
