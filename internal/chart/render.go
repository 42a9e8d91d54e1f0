package chart

import (
	"context"
	"fmt"
	"log/slog"

	"stockbot/internal/browser"
	"stockbot/internal/domain"
)

// Renderer turns daily bars into a PNG chart image.
type Renderer struct {
	bridge *browser.Bridge
	logger *slog.Logger
}

func NewRenderer(bridge *browser.Bridge, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{bridge: bridge, logger: logger}
}

// Render builds the SVG chart for the bars and rasterizes it to PNG bytes.
func (r *Renderer) Render(ctx context.Context, code string, bars []domain.DailyBar) ([]byte, error) {
	svg, err := BuildSVG(code, bars)
	if err != nil {
		return nil, err
	}

	png, err := r.bridge.RenderHTML(ctx, WrapHTML(svg), "#chart")
	if err != nil {
		return nil, fmt.Errorf("rasterize chart for %s: %w", code, err)
	}

	r.logger.Info("chart rendered", "code", code, "bars", len(bars), "png_bytes", len(png))
	return png, nil
}
