// Package privacy scrubs sensitive stream data before it reaches logs:
// camera credentials embedded in RTSP URLs and stream keys embedded in
// RTMP output URLs.
package privacy

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	// urlPattern finds stream and web URLs inside free-form text.
	urlPattern = regexp.MustCompile(`\b(?:https?|rtsp|rtmps?)://\S+`)
)

// ScrubMessage replaces every URL found in the message with a
// sanitized version. Used before error text or transcoder output is
// logged or published.
func ScrubMessage(message string) string {
	return urlPattern.ReplaceAllStringFunc(message, SanitizeURL)
}

// SanitizeURL dispatches to the scheme-specific sanitizer.
func SanitizeURL(rawURL string) string {
	switch {
	case strings.HasPrefix(rawURL, "rtsp://"):
		return SanitizeRTSPUrl(rawURL)
	case strings.HasPrefix(rawURL, "rtmp://"), strings.HasPrefix(rawURL, "rtmps://"):
		return SanitizeRTMPUrl(rawURL)
	default:
		return stripUserInfo(rawURL)
	}
}

// SanitizeRTSPUrl removes credentials and path detail from an RTSP URL,
// keeping host and port for debugging.
func SanitizeRTSPUrl(source string) string {
	if !strings.HasPrefix(source, "rtsp://") {
		return source
	}

	rest := source[len("rtsp://"):]
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		rest = rest[at+1:]
	}
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return "rtsp://" + rest
}

// SanitizeRTMPUrl hides the final path element of an RTMP URL, which by
// convention is the stream key. Local relay URLs (camera_<id> on
// loopback) carry no secret and pass through unchanged.
func SanitizeRTMPUrl(source string) string {
	scheme := ""
	switch {
	case strings.HasPrefix(source, "rtmp://"):
		scheme = "rtmp://"
	case strings.HasPrefix(source, "rtmps://"):
		scheme = "rtmps://"
	default:
		return source
	}

	rest := source[len(scheme):]
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		rest = rest[at+1:]
	}

	host, path, hasPath := strings.Cut(rest, "/")
	if !hasPath || path == "" {
		return scheme + host
	}
	if isLoopbackHost(host) {
		return scheme + host + "/" + path
	}

	segments := strings.Split(path, "/")
	if len(segments) < 2 {
		// Single segment is the application name, nothing secret.
		return scheme + host + "/" + path
	}
	segments[len(segments)-1] = "***"
	return scheme + host + "/" + strings.Join(segments, "/")
}

// WrapError sanitizes an error message using ScrubMessage. Returns nil
// for a nil error; the original chain stays reachable via Unwrap.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	return &SanitizedError{
		original:     err,
		sanitizedMsg: ScrubMessage(err.Error()),
	}
}

// SanitizedError wraps an error while exposing a scrubbed message.
type SanitizedError struct {
	original     error
	sanitizedMsg string
}

// Error returns the sanitized message, safe for logging.
func (e *SanitizedError) Error() string {
	return e.sanitizedMsg
}

// Unwrap returns the original error so errors.Is/As keep working.
func (e *SanitizedError) Unwrap() error {
	return e.original
}

func stripUserInfo(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.User != nil {
		u.User = nil
	}
	return u.String()
}

func isLoopbackHost(hostport string) bool {
	host := hostport
	if colon := strings.LastIndexByte(hostport, ':'); colon >= 0 {
		host = hostport[:colon]
	}
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}
