package extractor

import (
	"context"

	"github.com/JakeFAU/web-archiver/internal/fetcher"
)

const (
	domFile        = NameDOM + "/output.html"
	screenshotFile = NameScreenshot + "/screenshot.png"
	pdfFile        = NamePDF + "/output.pdf"
)

func domExtractor(s Settings) Extractor {
	return &Definition{
		ExtractorName:     NameDOM,
		Outputs:           []string{domFile},
		DisabledByDefault: true,
		Network:           true,
		Predicate:         IsPage,
		Build: call(func(ctx context.Context, task Task) error {
			resp, err := s.renderer().Fetch(ctx, fetcher.Request{URL: task.Snapshot.URL})
			if err != nil {
				return renderError("render dom", err)
			}
			return writeOutput(task, domFile, resp.Body)
		}),
	}
}

func screenshotExtractor(s Settings) Extractor {
	return &Definition{
		ExtractorName:     NameScreenshot,
		Outputs:           []string{screenshotFile},
		DisabledByDefault: true,
		Network:           true,
		Predicate:         IsPage,
		Build: call(func(ctx context.Context, task Task) error {
			data, err := s.renderer().Screenshot(ctx, fetcher.Request{URL: task.Snapshot.URL})
			if err != nil {
				return renderError("screenshot", err)
			}
			return writeOutput(task, screenshotFile, data)
		}),
	}
}

func pdfExtractor(s Settings) Extractor {
	return &Definition{
		ExtractorName:     NamePDF,
		Outputs:           []string{pdfFile},
		DisabledByDefault: true,
		Network:           true,
		Predicate:         IsPage,
		Build: call(func(ctx context.Context, task Task) error {
			data, err := s.renderer().PDF(ctx, fetcher.Request{URL: task.Snapshot.URL})
			if err != nil {
				return renderError("print pdf", err)
			}
			return writeOutput(task, pdfFile, data)
		}),
	}
}
