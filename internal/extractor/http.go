package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/JakeFAU/web-archiver/internal/fetcher"
)

// StaticPage is where the static extractor stores an HTML page body.
const StaticPage = NameStatic + "/index.html"

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func headersExtractor(s Settings) Extractor {
	return &Definition{
		ExtractorName: NameHeaders,
		Outputs:       []string{NameHeaders + "/headers.json"},
		Network:       true,
		Predicate:     IsHTTP,
		Build: call(func(ctx context.Context, task Task) error {
			resp, err := s.fetch(ctx, http.MethodHead, task.Snapshot.URL)
			if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
				resp, err = s.fetch(ctx, http.MethodGet, task.Snapshot.URL)
			}
			if err != nil {
				return err
			}
			doc := struct {
				URL        string              `json:"url"`
				StatusCode int                 `json:"status_code"`
				Headers    map[string][]string `json:"headers"`
			}{URL: resp.URL, StatusCode: resp.StatusCode, Headers: resp.Headers}
			data, err := json.MarshalIndent(doc, "", "    ")
			if err != nil {
				return fmt.Errorf("marshal headers: %w", err)
			}
			return writeOutput(task, NameHeaders+"/headers.json", data)
		}),
	}
}

func staticExtractor(s Settings) Extractor {
	return &Definition{
		ExtractorName: NameStatic,
		Outputs:       []string{NameStatic},
		Network:       true,
		Predicate:     IsHTTP,
		Build: call(func(ctx context.Context, task Task) error {
			resp, err := s.fetch(ctx, http.MethodGet, task.Snapshot.URL)
			if err != nil {
				return err
			}
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("http status %d", resp.StatusCode)
			}
			return writeOutput(task, NameStatic+"/"+staticFilename(task.Snapshot.URL), resp.Body)
		}),
	}
}

// staticFilename names the saved body: index.html for pages, the sanitized
// last path segment for files.
func staticFilename(rawURL string) string {
	if !IsStaticFile(rawURL) {
		return "index.html"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "index.html"
	}
	name := unsafeFilename.ReplaceAllString(path.Base(u.Path), "_")
	name = strings.Trim(name, ".")
	if name == "" {
		return "download"
	}
	return name
}

func faviconExtractor(s Settings) Extractor {
	return &Definition{
		ExtractorName: NameFavicon,
		Outputs:       []string{NameFavicon + "/favicon.ico"},
		Network:       true,
		Predicate:     IsHTTP,
		Build: call(func(ctx context.Context, task Task) error {
			u, err := url.Parse(task.Snapshot.URL)
			if err != nil {
				return Permanent(fmt.Errorf("parse url: %w", err))
			}
			iconURL := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/favicon.ico"}).String()
			resp, err := s.fetch(ctx, http.MethodGet, iconURL)
			if err != nil {
				return err
			}
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("favicon http status %d", resp.StatusCode)
			}
			if len(resp.Body) == 0 {
				return errors.New("favicon is empty")
			}
			return writeOutput(task, NameFavicon+"/favicon.ico", resp.Body)
		}),
	}
}

func archiveOrgExtractor(s Settings) Extractor {
	endpoint := s.ArchiveOrgEndpoint
	if endpoint == "" {
		endpoint = DefaultArchiveOrgEndpoint
	}
	return &Definition{
		ExtractorName:     NameArchiveOrg,
		Outputs:           []string{NameArchiveOrg + "/archive.org.txt"},
		DisabledByDefault: true,
		Network:           true,
		Predicate:         IsHTTP,
		Build: call(func(ctx context.Context, task Task) error {
			resp, err := s.fetch(ctx, http.MethodGet, endpoint+task.Snapshot.URL)
			if err != nil {
				return err
			}
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("archive.org save returned %d", resp.StatusCode)
			}
			location := resp.Headers.Get("Content-Location")
			if location == "" {
				location = resp.URL
			}
			if location == "" {
				return errors.New("archive.org did not report a capture location")
			}
			if strings.HasPrefix(location, "/") {
				base, err := url.Parse(endpoint)
				if err == nil {
					location = base.Scheme + "://" + base.Host + location
				}
			}
			return writeOutput(task, NameArchiveOrg+"/archive.org.txt", []byte(location+"\n"))
		}),
	}
}

func (s Settings) fetch(ctx context.Context, method, rawURL string) (fetcher.Response, error) {
	if s.Fetcher == nil {
		return fetcher.Response{}, Permanent(errors.New("http fetcher not configured"))
	}
	req := fetcher.Request{URL: rawURL, Method: method}
	if s.UserAgent != "" {
		req.Headers = http.Header{"User-Agent": {s.UserAgent}}
	}
	resp, err := s.Fetcher.Fetch(ctx, req)
	if err != nil {
		return fetcher.Response{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return resp, nil
}
