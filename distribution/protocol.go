// Package distribution publishes ladder segments and serves them, together
// with the session and fleet REST API, over HTTP/3 and HTTPS. It also
// provides the HTTP/3 client sessions use to fetch segments from nodes.
package distribution

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/zsiec/afiyah/ladder"
	"github.com/zsiec/afiyah/session"
)

// ContentType is the media type of a segment body.
const ContentType = "application/x-afiyah"

// Response headers describing a segment.
const (
	HeaderStream   = "X-Afiyah-Stream"
	HeaderLevel    = "X-Afiyah-Level"
	HeaderIndex    = "X-Afiyah-Index"
	HeaderNode     = "X-Afiyah-Node"
	HeaderAttempts = "X-Afiyah-Attempts"
	HeaderDuration = "X-Afiyah-Duration"
)

// SegmentPath returns the URL path of a segment. The stream key is escaped
// so keys containing slashes stay one path segment.
func SegmentPath(seg session.SegmentID) string {
	return fmt.Sprintf("/segments/%s/%d/%d", url.PathEscape(seg.Content), seg.Level, seg.Index)
}

// parseSegmentPath reads the path values of a segment route.
func parseSegmentPath(stream, level, index string) (session.SegmentID, error) {
	if stream == "" {
		return session.SegmentID{}, fmt.Errorf("missing stream")
	}
	l, err := strconv.Atoi(level)
	if err != nil || l < 0 {
		return session.SegmentID{}, fmt.Errorf("bad level %q", level)
	}
	i, err := strconv.ParseInt(index, 10, 64)
	if err != nil || i < 0 {
		return session.SegmentID{}, fmt.Errorf("bad index %q", index)
	}
	return session.SegmentID{Content: stream, Level: ladder.ID(l), Index: i}, nil
}
