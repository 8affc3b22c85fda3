package dragonfly

import (
	"fmt"
	"net/url"
	"strings"
)

// InspectorHost is the host serving the browsable package inspector.
const InspectorHost = `inspector.pypi.io`

// InspectorURL turns a package name, version, and distribution download URL
// into a link on the PyPI inspector.
//
// The download URL's host is swapped for [InspectorHost] and its path is
// moved under "/project/<name>/<version>/".
func InspectorURL(name, version, downloadURL string) (*url.URL, error) {
	u, err := url.Parse(downloadURL)
	if err != nil {
		return nil, &Error{
			Op:      "dragonfly.InspectorURL",
			Kind:    ErrInvalid,
			Message: "bad download url",
			Inner:   err,
		}
	}
	if u.Host == "" {
		return nil, &Error{
			Op:      "dragonfly.InspectorURL",
			Kind:    ErrInvalid,
			Message: fmt.Sprintf("download url %q has no host", downloadURL),
		}
	}
	out := *u
	out.Host = InspectorHost
	out.Path = fmt.Sprintf("/project/%s/%s/%s/", name, version, strings.TrimPrefix(u.Path, "/"))
	out.RawPath = ""
	return &out, nil
}
