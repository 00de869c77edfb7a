package extractor

import (
	"net/url"
	"path"
	"strings"
)

// staticFileExtensions are URL suffixes that almost always name a file to
// download as-is rather than a page to render. html, htm, php and friends are
// deliberately absent.
var staticFileExtensions = map[string]struct{}{}

func init() {
	for _, ext := range strings.Fields(`
		gif jpeg jpg png tif tiff wbmp ico jng bmp svg svgz webp ps eps ai
		mp3 mp4 m4a mpeg mpg mkv mov webm m4v flv wmv avi ogg ts m3u8
		pdf txt rtf rtfd doc docx ppt pptx xls xlsx
		atom rss css js json
		dmg iso img
		rar war hqx zip gz bz2 7z`) {
		staticFileExtensions[ext] = struct{}{}
	}
}

var mediaExtensions = map[string]struct{}{
	"mp3": {}, "mp4": {}, "m4a": {}, "mpeg": {}, "mpg": {}, "mkv": {}, "mov": {},
	"webm": {}, "m4v": {}, "flv": {}, "wmv": {}, "avi": {}, "ogg": {}, "m3u8": {},
}

var mediaHosts = []string{
	"youtube.com", "youtu.be", "vimeo.com", "soundcloud.com", "twitch.tv",
	"dailymotion.com", "bandcamp.com", "tiktok.com", "archive.org",
}

var gitHosts = []string{"github.com", "gitlab.com", "bitbucket.org", "codeberg.org", "git.sr.ht"}

// IsHTTP reports whether rawURL uses http or https.
func IsHTTP(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Extension returns the lowercase file extension of the URL path, without the dot.
func Extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := path.Ext(u.Path)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsStaticFile reports whether rawURL names a downloadable file.
func IsStaticFile(rawURL string) bool {
	_, ok := staticFileExtensions[Extension(rawURL)]
	return ok
}

// IsPage reports whether rawURL is an http(s) page worth rendering.
func IsPage(rawURL string) bool {
	return IsHTTP(rawURL) && !IsStaticFile(rawURL)
}

// IsMedia reports whether rawURL likely hosts audio or video.
func IsMedia(rawURL string) bool {
	if !IsHTTP(rawURL) {
		return false
	}
	if _, ok := mediaExtensions[Extension(rawURL)]; ok {
		return true
	}
	return hostMatches(rawURL, mediaHosts)
}

// IsGitRepo reports whether rawURL points at a clonable repository.
func IsGitRepo(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.HasSuffix(strings.TrimSuffix(u.Path, "/"), ".git") {
		return true
	}
	if !hostMatches(rawURL, gitHosts) {
		return false
	}
	// Forge URLs need at least owner/repo.
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	return len(parts) >= 2 && parts[0] != "" && parts[1] != ""
}

func hostMatches(rawURL string, hosts []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
