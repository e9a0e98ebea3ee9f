// Package export renders a board snapshot to portable formats.
package export

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	v1 "whiteboard/shared/contracts/board/v1"

	"github.com/jung-kurt/gofpdf"
)

const (
	// Canvas pixels are treated as 96 dpi; drawings smaller than the page keep their size.
	mmPerPixel = 25.4 / 96
	ptPerMM    = 72 / 25.4

	defaultMarginMM = 10.0
)

// Options controls PDF output.
type Options struct {
	Title    string
	BoardID  string
	MarginMM float64
}

// PDF writes shapes, in draw order, as a single landscape A4 vector page.
// The drawing is scaled down to fit the page; it is never scaled up.
func PDF(w io.Writer, shapes []v1.Shape, opts Options) error {
	if w == nil {
		return errors.New("export: nil writer")
	}
	margin := opts.MarginMM
	if margin <= 0 {
		margin = defaultMarginMM
	}

	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetCreator("whiteboard", true)
	if opts.Title != "" {
		pdf.SetTitle(opts.Title, true)
	}
	if opts.BoardID != "" {
		pdf.SetSubject("board "+opts.BoardID, true)
	}
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()
	pdf.SetLineCapStyle("round")
	pdf.SetLineJoinStyle("round")

	pw, ph := pdf.GetPageSize()
	tf := fitTransform(shapes, pw, ph, margin)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	for _, s := range shapes {
		if err := s.Validate(); err != nil {
			continue
		}
		drawShape(pdf, tf, tr, s)
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("export: pdf: %w", err)
	}
	return nil
}

func drawShape(pdf *gofpdf.Fpdf, tf transform, tr func(string) string, s v1.Shape) {
	r, g, b := parseColor(s.Color)
	pdf.SetDrawColor(r, g, b)
	pdf.SetFillColor(r, g, b)
	pdf.SetTextColor(r, g, b)
	pdf.SetLineWidth(math.Max(s.StrokeWidth*tf.scale, 0.1))

	pts := s.Points
	switch s.Kind {
	case v1.KindPath:
		if len(pts) == 1 {
			x, y := tf.apply(pts[0])
			pdf.Circle(x, y, math.Max(s.StrokeWidth*tf.scale/2, 0.05), "F")
			return
		}
		x, y := tf.apply(pts[0])
		pdf.MoveTo(x, y)
		for _, p := range pts[1:] {
			x, y = tf.apply(p)
			pdf.LineTo(x, y)
		}
		pdf.DrawPath("D")

	case v1.KindLine:
		x1, y1 := tf.apply(pts[0])
		x2, y2 := tf.apply(pts[1])
		pdf.Line(x1, y1, x2, y2)

	case v1.KindRectangle:
		x1, y1 := tf.apply(pts[0])
		x2, y2 := tf.apply(pts[1])
		pdf.Rect(math.Min(x1, x2), math.Min(y1, y2), math.Abs(x2-x1), math.Abs(y2-y1), "D")

	case v1.KindCircle:
		cx, cy := tf.apply(pts[0])
		radius := math.Hypot(pts[1].X-pts[0].X, pts[1].Y-pts[0].Y) * tf.scale
		pdf.Circle(cx, cy, radius, "D")

	case v1.KindText:
		x, y := tf.apply(pts[0])
		pdf.SetFont("Helvetica", "", math.Max(s.StrokeWidth*tf.scale*ptPerMM, 1))
		pdf.Text(x, y, tr(s.Text))
	}
}

// transform maps canvas pixels to page millimetres.
type transform struct {
	scale  float64
	dx, dy float64
}

func (t transform) apply(p v1.Point) (float64, float64) {
	return (p.X - t.dx) * t.scale, (p.Y - t.dy) * t.scale
}

func fitTransform(shapes []v1.Shape, pageW, pageH, margin float64) transform {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)

	grow := func(x, y float64) {
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	for _, s := range shapes {
		if s.Validate() != nil {
			continue
		}
		pad := s.StrokeWidth / 2
		if s.Kind == v1.KindCircle {
			pad += math.Hypot(s.Points[1].X-s.Points[0].X, s.Points[1].Y-s.Points[0].Y)
		}
		for _, p := range s.Points {
			grow(p.X-pad, p.Y-pad)
			grow(p.X+pad, p.Y+pad)
		}
	}

	if math.IsInf(minX, 1) {
		return transform{scale: mmPerPixel, dx: -margin / mmPerPixel, dy: -margin / mmPerPixel}
	}

	bw := math.Max(maxX-minX, 1)
	bh := math.Max(maxY-minY, 1)
	scale := math.Min(mmPerPixel, math.Min((pageW-2*margin)/bw, (pageH-2*margin)/bh))

	return transform{
		scale: scale,
		dx:    minX - margin/scale,
		dy:    minY - margin/scale,
	}
}

// parseColor accepts "#RGB" and "#RRGGBB"; anything else is black.
func parseColor(s string) (int, int, int) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return 0, 0, 0
	}
	n, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return 0, 0, 0
	}
	return int(n >> 16 & 0xff), int(n >> 8 & 0xff), int(n & 0xff)
}
