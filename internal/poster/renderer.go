// Package poster renders activity data into downloadable poster
// artifacts and stores them on disk. Visual design is intentionally
// minimal; the renderer is a pure function from activities to bytes.
package poster

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pysugar/strava-poster-hub/internal/strava"
)

// Template selects the poster layout.
type Template string

const (
	TemplateClassic Template = "classic"
	TemplateMinimal Template = "minimal"
	TemplateDark    Template = "dark"
)

// Format selects the artifact encoding. SVG is the native output;
// pdf/png requests currently receive SVG bodies under the requested
// name.
type Format string

const (
	FormatSVG Format = "svg"
	FormatPDF Format = "pdf"
	FormatPNG Format = "png"
)

// ErrRender wraps any rendering failure.
var ErrRender = errors.New("poster: render failed")

// Options carries per-poster knobs beyond template and format.
type Options struct {
	Title string
}

// Renderer turns activity data into artifact bytes.
type Renderer interface {
	Render(activities []strava.Activity, tpl Template, format Format, opts Options) ([]byte, error)
}

// SVGRenderer renders a stats-grid poster as hand-built SVG.
type SVGRenderer struct{}

const (
	posterWidth = 800
	headerH     = 120
	cellW       = 180
	cellH       = 90
	cellGap     = 20
	gridCols    = 4
	footerH     = 80
)

var templateColors = map[Template]struct{ bg, fg, accent string }{
	TemplateClassic: {bg: "#ffffff", fg: "#1a1a1a", accent: "#fc4c02"},
	TemplateMinimal: {bg: "#fafafa", fg: "#333333", accent: "#888888"},
	TemplateDark:    {bg: "#111111", fg: "#eeeeee", accent: "#fc4c02"},
}

// Render builds the poster. Unknown templates and formats fail with
// ErrRender so the job records a render cause, not a panic.
func (SVGRenderer) Render(activities []strava.Activity, tpl Template, format Format, opts Options) ([]byte, error) {
	colors, ok := templateColors[tpl]
	if !ok {
		return nil, fmt.Errorf("%w: unknown template %q", ErrRender, tpl)
	}
	switch format {
	case FormatSVG, FormatPDF, FormatPNG:
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrRender, format)
	}

	rows := (len(activities) + gridCols - 1) / gridCols
	height := headerH + rows*(cellH+cellGap) + footerH

	title := opts.Title
	if title == "" {
		title = "My Activities"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`+"\n",
		posterWidth, height, posterWidth, height)
	fmt.Fprintf(&b, `<rect width="%d" height="%d" fill="%s"/>`+"\n", posterWidth, height, colors.bg)
	fmt.Fprintf(&b, `<text x="%d" y="60" font-family="Helvetica, sans-serif" font-size="36" font-weight="bold" fill="%s" text-anchor="middle">%s</text>`+"\n",
		posterWidth/2, colors.fg, escape(title))

	var totalDist float64
	var totalTime int
	for i, a := range activities {
		col := i % gridCols
		row := i / gridCols
		x := cellGap + col*(cellW+cellGap)
		y := headerH + row*(cellH+cellGap)

		fmt.Fprintf(&b, `<rect x="%d" y="%d" width="%d" height="%d" fill="none" stroke="%s" stroke-width="1"/>`+"\n",
			x, y, cellW, cellH, colors.accent)
		fmt.Fprintf(&b, `<text x="%d" y="%d" font-family="Helvetica, sans-serif" font-size="12" fill="%s">%s</text>`+"\n",
			x+10, y+22, colors.fg, escape(clip(a.Name, 24)))
		fmt.Fprintf(&b, `<text x="%d" y="%d" font-family="Helvetica, sans-serif" font-size="16" font-weight="bold" fill="%s">%.1f km</text>`+"\n",
			x+10, y+48, colors.accent, a.Distance/1000)
		fmt.Fprintf(&b, `<text x="%d" y="%d" font-family="Helvetica, sans-serif" font-size="11" fill="%s">%s · %s</text>`+"\n",
			x+10, y+70, colors.fg, a.StartDate.Format("2006-01-02"), formatDuration(a.MovingTime))

		totalDist += a.Distance
		totalTime += a.MovingTime
	}

	footerY := headerH + rows*(cellH+cellGap) + 40
	fmt.Fprintf(&b, `<text x="%d" y="%d" font-family="Helvetica, sans-serif" font-size="18" fill="%s" text-anchor="middle">%d activities · %.1f km · %s</text>`+"\n",
		posterWidth/2, footerY, colors.fg, len(activities), totalDist/1000, formatDuration(totalTime))
	b.WriteString("</svg>\n")

	return []byte(b.String()), nil
}

func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

func formatDuration(seconds int) string {
	d := time.Duration(seconds) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
