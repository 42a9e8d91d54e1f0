// Package chart renders daily close-price line charts. The chart is built
// as an SVG document and rasterized to PNG through the headless browser
// bridge, since image delivery targets chat platforms that expect bitmaps.
package chart

import (
	"fmt"
	"math"
	"strings"

	"stockbot/internal/domain"
)

const (
	svgWidth    = 800
	svgHeight   = 480
	marginLeft  = 70
	marginTop   = 50
	marginBot   = 50
	marginRight = 30
)

// BuildSVG renders the close prices of the given bars as an SVG line chart
// titled "<code> stock price".
func BuildSVG(code string, bars []domain.DailyBar) (string, error) {
	if len(bars) < 2 {
		return "", fmt.Errorf("need at least 2 bars to chart, got %d", len(bars))
	}

	minP, maxP := bars[0].Close, bars[0].Close
	for _, b := range bars {
		minP = math.Min(minP, b.Close)
		maxP = math.Max(maxP, b.Close)
	}
	if maxP == minP {
		// Flat series still needs a non-zero range to scale against.
		maxP = minP + 1
	}

	plotW := float64(svgWidth - marginLeft - marginRight)
	plotH := float64(svgHeight - marginTop - marginBot)

	var points []string
	for i, b := range bars {
		x := float64(marginLeft) + plotW*float64(i)/float64(len(bars)-1)
		y := float64(marginTop) + plotH*(1-(b.Close-minP)/(maxP-minP))
		points = append(points, fmt.Sprintf("%.1f,%.1f", x, y))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `<svg id="chart" xmlns="http://www.w3.org/2000/svg" width="%d" height="%d">`, svgWidth, svgHeight)
	sb.WriteString(`<rect width="100%" height="100%" fill="white"/>`)
	fmt.Fprintf(&sb, `<text x="%d" y="30" font-family="sans-serif" font-size="20" text-anchor="middle">%s stock price</text>`,
		svgWidth/2, code)

	// Horizontal gridlines with price labels.
	for i := 0; i <= 4; i++ {
		frac := float64(i) / 4
		y := float64(marginTop) + plotH*frac
		price := maxP - (maxP-minP)*frac
		fmt.Fprintf(&sb, `<line x1="%d" y1="%.1f" x2="%d" y2="%.1f" stroke="#ddd"/>`,
			marginLeft, y, svgWidth-marginRight, y)
		fmt.Fprintf(&sb, `<text x="%d" y="%.1f" font-family="sans-serif" font-size="12" text-anchor="end">%.2f</text>`,
			marginLeft-8, y+4, price)
	}

	// Date labels at both ends of the x axis.
	first := bars[0].Date.Format("2006-01-02")
	last := bars[len(bars)-1].Date.Format("2006-01-02")
	fmt.Fprintf(&sb, `<text x="%d" y="%d" font-family="sans-serif" font-size="12">%s</text>`,
		marginLeft, svgHeight-marginBot+25, first)
	fmt.Fprintf(&sb, `<text x="%d" y="%d" font-family="sans-serif" font-size="12" text-anchor="end">%s</text>`,
		svgWidth-marginRight, svgHeight-marginBot+25, last)

	fmt.Fprintf(&sb, `<polyline fill="none" stroke="#1f77b4" stroke-width="2" points="%s"/>`,
		strings.Join(points, " "))
	sb.WriteString(`</svg>`)

	return sb.String(), nil
}

// WrapHTML embeds the SVG in a minimal HTML document for rasterization.
func WrapHTML(svg string) string {
	return `<!DOCTYPE html><html><head><meta charset="utf-8"><style>body{margin:0}</style></head><body>` +
		svg + `</body></html>`
}
