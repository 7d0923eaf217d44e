package export

import (
	"context"
	"encoding/base64"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const pdfTimeout = 30 * time.Second

var chromeBinaries = []string{"chromium-browser", "chromium", "google-chrome"}

// paper is an A4 sheet in inches with a uniform margin.
var paper = struct {
	width, height, margin float64
}{width: 8.27, height: 11.69, margin: 0.6}

func findChrome() (string, error) {
	for _, name := range chromeBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no chrome binary on PATH (tried %s)", ErrPDFDependencyMissing, strings.Join(chromeBinaries, ", "))
}

func htmlDataURL(html string) string {
	return "data:text/html;charset=utf-8;base64," + base64.StdEncoding.EncodeToString([]byte(html))
}

// chromePDF prints an invoice page with headless Chrome.
func chromePDF(parent context.Context, html string) ([]byte, error) {
	binary, err := findChrome()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(parent, pdfTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(binary),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var out []byte
	printPage := chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().
			WithPrintBackground(true).
			WithPaperWidth(paper.width).
			WithPaperHeight(paper.height).
			WithMarginTop(paper.margin).
			WithMarginBottom(paper.margin).
			WithMarginLeft(paper.margin).
			WithMarginRight(paper.margin).
			Do(ctx)
		out = data
		return err
	})
	if err := chromedp.Run(browserCtx, chromedp.Navigate(htmlDataURL(html)), chromedp.WaitReady("body"), printPage); err != nil {
		return nil, fmt.Errorf("print invoice pdf: %w", err)
	}
	return out, nil
}

// sanitizeFilename keeps invoice numbers usable as file names.
func sanitizeFilename(number string) string {
	const maxLen = 50
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ', r == '/':
			return '-'
		}
		return -1
	}, number)
	if len(mapped) > maxLen {
		mapped = mapped[:maxLen]
	}
	if mapped == "" {
		return "invoice"
	}
	return mapped
}
