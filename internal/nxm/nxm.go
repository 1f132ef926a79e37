// Package nxm parses nxm:// protocol links as produced by the "download with
// mod manager" button on the mod site. A link identifies a single file and
// carries the authorization context needed to request it:
//
//	nxm://<game>/mods/<modID>/files/<fileID>?key=<key>&expires=<unix>&user_id=<id>
package nxm

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Scheme is the URL scheme this package accepts.
const Scheme = "nxm"

// ErrMalformed is returned when a link cannot be parsed.
var ErrMalformed = errors.New("malformed nxm link")

// Link is a parsed nxm:// protocol link.
type Link struct {
	Game    string
	ModID   int64
	FileID  int64
	Key     string
	Expires int64
	UserID  int64
}

// ParseLink parses a raw nxm:// link string.
func ParseLink(raw string) (*Link, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("%w: unexpected scheme %q", ErrMalformed, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing game domain", ErrMalformed)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) != 4 || segments[0] != "mods" || segments[2] != "files" {
		return nil, fmt.Errorf("%w: expected path mods/<id>/files/<id>, got %q", ErrMalformed, u.Path)
	}

	modID, err := strconv.ParseInt(segments[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: mod id %q is not numeric", ErrMalformed, segments[1])
	}
	fileID, err := strconv.ParseInt(segments[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: file id %q is not numeric", ErrMalformed, segments[3])
	}

	query := u.Query()
	link := &Link{
		Game:   u.Host,
		ModID:  modID,
		FileID: fileID,
		Key:    query.Get("key"),
	}
	if v := query.Get("expires"); v != "" {
		link.Expires, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := query.Get("user_id"); v != "" {
		link.UserID, _ = strconv.ParseInt(v, 10, 64)
	}

	return link, nil
}

// String reassembles the link into its canonical form.
func (l *Link) String() string {
	query := url.Values{}
	if l.Key != "" {
		query.Set("key", l.Key)
	}
	if l.Expires != 0 {
		query.Set("expires", strconv.FormatInt(l.Expires, 10))
	}
	if l.UserID != 0 {
		query.Set("user_id", strconv.FormatInt(l.UserID, 10))
	}

	u := url.URL{
		Scheme:   Scheme,
		Host:     l.Game,
		Path:     fmt.Sprintf("/mods/%d/files/%d", l.ModID, l.FileID),
		RawQuery: query.Encode(),
	}
	return u.String()
}
