package types

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRequestContext(t *testing.T) {
	q, _ := url.ParseQuery("target=http%3A%2F%2Fo.test%2Fa.m3u8&proxy=socks5%3A%2F%2Fh%3A1&playseek=1-2&start=07%3A00&end=08%3A00&utm=x&zz=1&token=t&id=cctv1&ts=seg.ts&action=clear_cache&key=k")

	rc, ignored := ParseRequestContext(q)

	assert.Equal(t, RequestContext{
		Target:   "http://o.test/a.m3u8",
		Token:    "t",
		Proxy:    "socks5://h:1",
		Playseek: "1-2",
		Start:    "07:00",
		End:      "08:00",
		ID:       "cctv1",
		Segment:  "seg.ts",
		Action:   "clear_cache",
		Key:      "k",
	}, rc)
	assert.Equal(t, []string{"utm", "zz"}, ignored)
	assert.True(t, rc.HasProgramRange())
}

func TestParseRequestContext_LegacyTargetAlias(t *testing.T) {
	rc, ignored := ParseRequestContext(url.Values{"a": {" http://o.test/x.ts "}})
	assert.Equal(t, "http://o.test/x.ts", rc.Target)
	assert.Empty(t, ignored)

	rc, _ = ParseRequestContext(url.Values{"a": {"http://old"}, "target": {"http://new"}})
	assert.Equal(t, "http://new", rc.Target)
}

func TestParseRequestContext_Empty(t *testing.T) {
	rc, ignored := ParseRequestContext(url.Values{})
	assert.Equal(t, RequestContext{}, rc)
	assert.Empty(t, ignored)
	assert.False(t, rc.HasProgramRange())

	rc, _ = ParseRequestContext(url.Values{"start": {"07:00"}})
	assert.False(t, rc.HasProgramRange())
}
