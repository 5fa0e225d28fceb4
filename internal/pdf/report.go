package pdf

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/go-pdf/fpdf"

	"github.com/helixir/literature-pipeline/internal/domain"
)

const (
	pageWidth  = 210.0
	marginX    = 15.0
	fontFamily = "Helvetica"
)

type document struct {
	pdf *fpdf.Fpdf
	tr  func(string) string
}

func newDocument(orientation string) *document {
	f := fpdf.New(orientation, "mm", "A4", "")
	f.SetMargins(marginX, 15, marginX)
	f.SetAutoPageBreak(true, 15)
	f.AddPage()
	return &document{pdf: f, tr: f.UnicodeTranslatorFromDescriptor("")}
}

func (d *document) title(text string) {
	d.pdf.SetFont(fontFamily, "B", 15)
	d.pdf.CellFormat(0, 10, d.tr(text), "", 1, "C", false, 0, "")
	d.pdf.Ln(4)
}

func (d *document) bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// box draws a rounded-looking box with centered, wrapped text.
func (d *document) box(x, y, w, h float64, text string) {
	d.pdf.SetFillColor(214, 234, 248)
	d.pdf.SetDrawColor(52, 101, 164)
	d.pdf.RoundedRect(x, y, w, h, 2, "1234", "FD")
	d.pdf.SetFont(fontFamily, "", 10)

	lines := d.pdf.SplitText(d.tr(text), w-4)
	lineH := 5.0
	top := y + (h-float64(len(lines))*lineH)/2
	for i, line := range lines {
		d.pdf.SetXY(x+2, top+float64(i)*lineH)
		d.pdf.CellFormat(w-4, lineH, line, "", 0, "C", false, 0, "")
	}
}

func (d *document) arrow(x1, y1, x2, y2 float64) {
	d.pdf.SetDrawColor(60, 60, 60)
	d.pdf.Line(x1, y1, x2, y2)
	angle := math.Atan2(y2-y1, x2-x1)
	const head = 2.5
	for _, da := range []float64{math.Pi * 5 / 6, -math.Pi * 5 / 6} {
		d.pdf.Line(x2, y2, x2+head*math.Cos(angle+da), y2+head*math.Sin(angle+da))
	}
}

// RenderPrismaFlow draws the PRISMA flow diagram for the given counts.
func RenderPrismaFlow(r domain.PrismaResult) ([]byte, error) {
	d := newDocument("P")
	d.title("PRISMA flow diagram")

	const (
		mainX = 30.0
		mainW = 90.0
		sideX = 135.0
		sideW = 60.0
		boxH  = 18.0
	)
	rows := []struct {
		y    float64
		text string
	}{
		{40, fmt.Sprintf("Records identified (n = %d)", r.Identified)},
		{75, fmt.Sprintf("Records screened (n = %d)", r.Screened)},
		{110, fmt.Sprintf("Reports assessed (n = %d)", r.Assessed)},
		{145, fmt.Sprintf("Studies included (n = %d)", r.Included)},
	}
	for i, row := range rows {
		d.box(mainX, row.y, mainW, boxH, row.text)
		if i > 0 {
			d.arrow(mainX+mainW/2, rows[i-1].y+boxH, mainX+mainW/2, row.y)
		}
	}

	d.box(sideX, 75, sideW, boxH, fmt.Sprintf("Excluded at screening (n = %d)", r.ExcludedScreening))
	d.arrow(mainX+mainW, 75+boxH/2, sideX, 75+boxH/2)
	d.box(sideX, 110, sideW, boxH, fmt.Sprintf("Not assessed (n = %d)", r.NotAssessed))
	d.arrow(mainX+mainW, 110+boxH/2, sideX, 110+boxH/2)

	if len(r.ReasonsForExclusion) > 0 {
		d.pdf.SetXY(marginX, 180)
		d.pdf.SetFont(fontFamily, "B", 11)
		d.pdf.CellFormat(0, 7, "Reasons for exclusion", "", 1, "L", false, 0, "")
		d.pdf.SetFont(fontFamily, "", 9)

		reasons := make([]string, 0, len(r.ReasonsForExclusion))
		for reason := range r.ReasonsForExclusion {
			reasons = append(reasons, reason)
		}
		sort.Slice(reasons, func(i, j int) bool {
			ci, cj := r.ReasonsForExclusion[reasons[i]], r.ReasonsForExclusion[reasons[j]]
			if ci != cj {
				return ci > cj
			}
			return reasons[i] < reasons[j]
		})
		for _, reason := range reasons {
			d.pdf.MultiCell(0, 5, d.tr(fmt.Sprintf("%d  %s", r.ReasonsForExclusion[reason], reason)), "", "L", false)
		}
	}
	return d.bytes()
}

// RenderForestPlot draws one confidence interval per study with the pooled estimate as a
// diamond and a dashed line at zero.
func RenderForestPlot(r domain.MetaAnalysisResult) ([]byte, error) {
	if len(r.Studies) == 0 {
		return nil, fmt.Errorf("forest plot: no studies")
	}
	d := newDocument("L")
	d.title("Forest plot")

	lo, hi := r.PooledLower, r.PooledUpper
	for _, s := range r.Studies {
		lo = math.Min(lo, s.Lower)
		hi = math.Max(hi, s.Upper)
	}
	lo, hi = math.Min(lo, 0), math.Max(hi, 0)
	if hi == lo {
		hi = lo + 1
	}
	pad := (hi - lo) * 0.05
	lo, hi = lo-pad, hi+pad

	const (
		labelW = 80.0
		plotX  = marginX + labelW
		plotW  = 297.0 - 2*marginX - labelW - 50
		rowH   = 8.0
		top    = 35.0
	)
	xOf := func(v float64) float64 { return plotX + (v-lo)/(hi-lo)*plotW }
	bottom := top + float64(len(r.Studies)+1)*rowH

	d.pdf.SetFont(fontFamily, "", 9)
	d.pdf.SetDrawColor(0, 0, 0)
	for i, s := range r.Studies {
		y := top + float64(i)*rowH + rowH/2
		d.pdf.SetXY(marginX, y-rowH/2)
		d.pdf.CellFormat(labelW-4, rowH, d.tr(s.Name), "", 0, "L", false, 0, "")

		d.pdf.Line(xOf(s.Lower), y, xOf(s.Upper), y)
		d.pdf.Line(xOf(s.Lower), y-1.5, xOf(s.Lower), y+1.5)
		d.pdf.Line(xOf(s.Upper), y-1.5, xOf(s.Upper), y+1.5)
		size := 1.2 + 2.5*s.Weight
		d.pdf.SetFillColor(52, 101, 164)
		d.pdf.Rect(xOf(s.Effect)-size/2, y-size/2, size, size, "F")

		d.pdf.SetXY(plotX+plotW+4, y-rowH/2)
		d.pdf.CellFormat(46, rowH, fmt.Sprintf("%.2f [%.2f, %.2f]", s.Effect, s.Lower, s.Upper), "", 0, "L", false, 0, "")
	}

	y := bottom - rowH/2
	d.pdf.SetFont(fontFamily, "B", 9)
	d.pdf.SetXY(marginX, y-rowH/2)
	d.pdf.CellFormat(labelW-4, rowH, "Pooled (fixed effect)", "", 0, "L", false, 0, "")
	d.pdf.SetFillColor(200, 30, 30)
	d.pdf.Polygon([]fpdf.PointType{
		{X: xOf(r.PooledLower), Y: y},
		{X: xOf(r.PooledEffect), Y: y - 2.5},
		{X: xOf(r.PooledUpper), Y: y},
		{X: xOf(r.PooledEffect), Y: y + 2.5},
	}, "F")
	d.pdf.SetXY(plotX+plotW+4, y-rowH/2)
	d.pdf.CellFormat(46, rowH, fmt.Sprintf("%.2f [%.2f, %.2f]", r.PooledEffect, r.PooledLower, r.PooledUpper), "", 0, "L", false, 0, "")

	d.pdf.SetDrawColor(128, 128, 128)
	d.pdf.SetDashPattern([]float64{1.5, 1.5}, 0)
	d.pdf.Line(xOf(0), top, xOf(0), bottom)
	d.pdf.SetDashPattern([]float64{}, 0)

	d.pdf.SetDrawColor(0, 0, 0)
	d.pdf.Line(plotX, bottom+2, plotX+plotW, bottom+2)
	d.pdf.SetFont(fontFamily, "", 8)
	for i := 0; i <= 4; i++ {
		v := lo + float64(i)*(hi-lo)/4
		x := xOf(v)
		d.pdf.Line(x, bottom+2, x, bottom+3.5)
		d.pdf.SetXY(x-10, bottom+4)
		d.pdf.CellFormat(20, 4, fmt.Sprintf("%.2f", v), "", 0, "C", false, 0, "")
	}
	d.pdf.SetXY(plotX, bottom+10)
	d.pdf.CellFormat(plotW, 5, "Effect size", "", 0, "C", false, 0, "")
	return d.bytes()
}

// Bar is one labelled count of a bar chart.
type Bar struct {
	Label string
	Count int
}

// RenderBarChart draws a vertical bar chart, used for the ATN score histogram and the
// study type distribution.
func RenderBarChart(title, yLabel string, bars []Bar) ([]byte, error) {
	d := newDocument("P")
	d.title(title)

	maxCount := 1
	for _, b := range bars {
		maxCount = max(maxCount, b.Count)
	}

	const (
		chartX = marginX + 15
		chartY = 40.0
		chartW = pageWidth - 2*marginX - 20
		chartH = 110.0
	)
	baseY := chartY + chartH

	d.pdf.SetDrawColor(0, 0, 0)
	d.pdf.Line(chartX, chartY, chartX, baseY)
	d.pdf.Line(chartX, baseY, chartX+chartW, baseY)

	d.pdf.SetFont(fontFamily, "", 8)
	step := max(1, int(math.Ceil(float64(maxCount)/5)))
	for v := 0; v <= maxCount; v += step {
		y := baseY - float64(v)/float64(maxCount)*chartH
		d.pdf.Line(chartX-1.5, y, chartX, y)
		d.pdf.SetXY(chartX-12, y-2)
		d.pdf.CellFormat(10, 4, fmt.Sprintf("%d", v), "", 0, "R", false, 0, "")
	}
	d.pdf.TransformBegin()
	d.pdf.TransformRotate(90, marginX, chartY+chartH/2)
	d.pdf.Text(marginX-20, chartY+chartH/2, d.tr(yLabel))
	d.pdf.TransformEnd()

	if len(bars) == 0 {
		return d.bytes()
	}
	slot := chartW / float64(len(bars))
	d.pdf.SetFillColor(76, 153, 76)
	for i, b := range bars {
		h := float64(b.Count) / float64(maxCount) * chartH
		x := chartX + float64(i)*slot + slot*0.15
		if h > 0 {
			d.pdf.Rect(x, baseY-h, slot*0.7, h, "FD")
		}
		d.pdf.SetXY(chartX+float64(i)*slot, baseY+1.5)
		d.pdf.CellFormat(slot, 4, d.tr(b.Label), "", 0, "C", false, 0, "")
	}
	return d.bytes()
}
