package archive

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidURL is returned when a submitted URL cannot be archived.
var ErrInvalidURL = errors.New("invalid url")

// DefaultTrackingParams are query parameters dropped during normalization.
var DefaultTrackingParams = []string{
	"utm_*",
	"fbclid",
	"gclid",
	"dclid",
	"msclkid",
	"mc_cid",
	"mc_eid",
	"_hsenc",
	"_hsmi",
	"ref_src",
}

// Normalizer canonicalizes URLs so the same page maps to one snapshot.
type Normalizer struct {
	// KeepFragment retains the #fragment (hash-routed apps need it).
	KeepFragment bool
	// StripParams are glob patterns matched against query parameter names.
	StripParams []string
}

// NewNormalizer returns a Normalizer using the default tracking parameter list.
func NewNormalizer() Normalizer {
	return Normalizer{StripParams: DefaultTrackingParams}
}

// NormalizeURL standardizes a URL using the default rules.
func NormalizeURL(rawURL string) (string, error) {
	return NewNormalizer().Normalize(rawURL)
}

// Normalize lowercases the scheme and host, removes default ports, drops
// tracking parameters and the fragment, and sorts the remaining query.
func (n Normalizer) Normalize(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: parse url: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%w: missing scheme", ErrInvalidURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" || u.Scheme == "https") && u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if u.Host != "" && u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}

	if !n.KeepFragment {
		u.Fragment = ""
		u.RawFragment = ""
	}

	q := u.Query()
	for key := range q {
		if n.tracking(key) {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.ForceQuery = false

	return u.String(), nil
}

func (n Normalizer) tracking(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range n.StripParams {
		if ok, err := path.Match(strings.ToLower(pattern), lower); err == nil && ok {
			return true
		}
	}
	return false
}

// Host returns the lowercase hostname of rawURL, or "unknown".
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// SnapshotDir returns the output directory for a snapshot under root. The
// directory is derived from the ID only, so it never changes after creation.
func SnapshotDir(root, snapshotID string) string {
	return filepath.Join(root, snapshotID)
}
