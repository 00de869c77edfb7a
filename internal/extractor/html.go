package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

const (
	titleFile          = NameTitle + "/title.txt"
	readabilityHTML    = NameReadability + "/content.html"
	readabilityMD      = NameReadability + "/content.md"
	readabilityArticle = NameReadability + "/article.json"
	maxTitleLength     = 512
	excerptLength      = 280
)

type titleDefinition struct {
	*Definition
}

// ReadTitle returns the title a previous run saved.
func (titleDefinition) ReadTitle(task Task) (string, bool) {
	data, err := os.ReadFile(task.Path(titleFile)) // #nosec G304 -- path under the snapshot dir.
	if err != nil {
		return "", false
	}
	title := strings.TrimSpace(string(data))
	return title, title != ""
}

func titleExtractor() Extractor {
	return titleDefinition{&Definition{
		ExtractorName: NameTitle,
		Outputs:       []string{titleFile},
		Requires:      []string{StaticPage},
		Predicate:     IsPage,
		Build: call(func(_ context.Context, task Task) error {
			doc, err := loadStaticDocument(task)
			if err != nil {
				return err
			}
			title := pageTitle(doc)
			if title == "" {
				return errors.New("page has no title")
			}
			return writeOutput(task, titleFile, []byte(title+"\n"))
		}),
	}}
}

func pageTitle(doc *goquery.Document) string {
	candidates := []string{
		doc.Find("head > title").First().Text(),
		doc.Find(`meta[property="og:title"]`).AttrOr("content", ""),
		doc.Find(`meta[name="twitter:title"]`).AttrOr("content", ""),
		doc.Find("h1").First().Text(),
	}
	for _, c := range candidates {
		if t := collapseSpace(c); t != "" {
			return truncateRunes(t, maxTitleLength)
		}
	}
	return ""
}

func readabilityExtractor() Extractor {
	return &Definition{
		ExtractorName: NameReadability,
		Outputs:       []string{readabilityHTML, readabilityMD, readabilityArticle},
		Requires:      []string{StaticPage},
		Predicate:     IsPage,
		Build: call(func(_ context.Context, task Task) error {
			doc, err := loadStaticDocument(task)
			if err != nil {
				return err
			}
			article, err := extractArticle(doc)
			if err != nil {
				return err
			}
			if err := writeOutput(task, readabilityHTML, []byte(article.HTML)); err != nil {
				return err
			}
			markdown, err := md.NewConverter("", true, nil).ConvertString(article.HTML)
			if err != nil {
				return fmt.Errorf("convert to markdown: %w", err)
			}
			if err := writeOutput(task, readabilityMD, []byte(markdown+"\n")); err != nil {
				return err
			}
			meta, err := json.MarshalIndent(article.meta(), "", "    ")
			if err != nil {
				return fmt.Errorf("marshal article: %w", err)
			}
			return writeOutput(task, readabilityArticle, meta)
		}),
	}
}

type article struct {
	Title     string
	Byline    string
	Excerpt   string
	WordCount int
	HTML      string
}

func (a article) meta() map[string]any {
	return map[string]any{
		"title":      a.Title,
		"byline":     a.Byline,
		"excerpt":    a.Excerpt,
		"word_count": a.WordCount,
	}
}

const boilerplate = "script, style, noscript, nav, header, footer, aside, form, iframe, template, svg"

// extractArticle picks the main content container after dropping chrome.
func extractArticle(doc *goquery.Document) (article, error) {
	a := article{
		Title:  pageTitle(doc),
		Byline: collapseSpace(doc.Find(`meta[name="author"]`).AttrOr("content", "")),
	}
	doc.Find(boilerplate).Remove()

	var content *goquery.Selection
	for _, sel := range []string{"article", "main", `[role="main"]`, "#content", "body"} {
		if s := doc.Find(sel).First(); s.Length() > 0 && strings.TrimSpace(s.Text()) != "" {
			content = s
			break
		}
	}
	if content == nil {
		return article{}, errors.New("no readable content")
	}
	html, err := goquery.OuterHtml(content)
	if err != nil {
		return article{}, fmt.Errorf("render content: %w", err)
	}
	text := collapseSpace(content.Text())
	a.HTML = html
	a.WordCount = len(strings.Fields(text))
	a.Excerpt = truncateRunes(text, excerptLength)
	return a, nil
}

func loadStaticDocument(task Task) (*goquery.Document, error) {
	data, err := readInput(task, StaticPage)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
