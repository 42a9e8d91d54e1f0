// Package browser wraps headless Chrome (chromedp) for the two jobs that
// need a real renderer: rasterizing chart SVGs to PNG and extracting text
// from JS-heavy news pages.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
)

const (
	renderTimeout  = 30 * time.Second
	extractTimeout = 45 * time.Second
)

// Bridge manages headless Chrome instances.
type Bridge struct {
	profileDir string
	logger     *slog.Logger
}

// BridgeConfig holds configuration for the browser bridge.
type BridgeConfig struct {
	ProfileDir string // Chrome user data directory
	Logger     *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".stockbot", "chrome-profile")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		profileDir: cfg.ProfileDir,
		logger:     cfg.Logger,
	}
}

// NewContext creates a new chromedp context with the bridge's Chrome profile.
// The caller MUST call cancel() when done.
func (b *Bridge) NewContext(parentCtx context.Context) (context.Context, context.CancelFunc) {
	if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
		b.logger.Error("failed to create profile dir", "dir", b.profileDir, "err", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Headless,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	cancelAll := func() {
		taskCancel()
		allocCancel()
	}

	return taskCtx, cancelAll
}

// RenderHTML loads an HTML document via a data: URL and screenshots the
// element matched by selector, returning PNG bytes.
func (b *Bridge) RenderHTML(ctx context.Context, html, selector string) ([]byte, error) {
	taskCtx, cancel := b.NewContext(ctx)
	defer cancel()

	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, renderTimeout)
	defer timeoutCancel()

	dataURL := "data:text/html;charset=utf-8," + url.PathEscape(html)

	var png []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Screenshot(selector, &png, chromedp.NodeVisible, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	b.logger.Debug("html rendered", "bytes", len(png))
	return png, nil
}

// ExtractText navigates to a page, waits for it to settle, and returns the
// rendered body text. Used for pages whose content only exists after JS runs.
func (b *Bridge) ExtractText(ctx context.Context, pageURL string) (string, error) {
	taskCtx, cancel := b.NewContext(ctx)
	defer cancel()

	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, extractTimeout)
	defer timeoutCancel()

	var text string
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
		chromedp.Sleep(2*time.Second),
		chromedp.Text("body", &text, chromedp.NodeVisible, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("extract page text: %w", err)
	}

	b.logger.Debug("page text extracted", "url", pageURL, "len", len(text))
	return text, nil
}
