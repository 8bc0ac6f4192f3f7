// HTTP status dashboard: a live JPEG panel of axis position and per-motor
// following error, plus an HTML status page, rendered the same way the
// teacher's hand/http.go renders a clock face with gg — a plain 2D canvas
// redrawn from current state on every request, no cached frames.

package report

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log"
	"net/http"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/cncgo/motioncore/axis"
)

const (
	panelWidth  = 640
	panelHeight = 480
	panelMargin = 40
	barHeight   = 28
	barGap      = 14
)

// Dashboard serves an HTTP status page and a JPEG panel rendering the
// machine's current axis positions and per-motor following error,
// mirroring the teacher's ClockServer (hand/http.go).
type Dashboard struct {
	src Source
	log *log.Logger
}

// NewDashboard returns a Dashboard reading from src.
func NewDashboard(src Source, logger *log.Logger) *Dashboard {
	if logger == nil {
		logger = log.Default()
	}
	return &Dashboard{src: src, log: logger}
}

// ListenAndServe starts the dashboard's HTTP server, blocking like the
// teacher's ClockServer.
func (d *Dashboard) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/panel.jpg", d.panel)
	mux.HandleFunc("/status", d.status)
	d.log.Printf("report: dashboard listening on %s", addr)
	server := &http.Server{Addr: addr, Handler: mux}
	return server.ListenAndServe()
}

// panel renders the live JPEG panel (hand/http.go's handler()).
func (d *Dashboard) panel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/jpeg")
	c := gg.NewContext(panelWidth, panelHeight)
	c.SetColor(color.White)
	c.Clear()

	pos := d.src.Position()
	state := d.src.State()
	cyc := d.src.Cycle()
	hold := d.src.HoldState()

	c.SetColor(color.Black)
	c.DrawStringAnchored(fmt.Sprintf("state=%s cycle=%s hold=%s", state, cyc, hold),
		panelMargin, 24, 0, 0)

	y := 60.0
	for a := 0; a < int(axis.Count); a++ {
		label := axis.Ordinal(a).String()
		c.DrawStringAnchored(fmt.Sprintf("%s: %8.3f", label, pos[a]), panelMargin, y, 0, 0)
		drawBar(c, panelMargin+80, y-barHeight+6, pos[a])
		y += barHeight + barGap
	}

	y += 10
	for m := 0; m < d.src.MotorCount(); m++ {
		fe, err := d.src.FollowingError(m)
		if err != nil {
			continue
		}
		c.DrawStringAnchored(fmt.Sprintf("motor%d following error: %d", m, fe), panelMargin, y, 0, 0)
		y += barHeight
	}

	img := c.Image()
	if rgba, ok := img.(*image.RGBA); ok {
		drawLegend(rgba, fmt.Sprintf("motion-core status panel, %d motors", d.src.MotorCount()))
	}
	if err := jpeg.Encode(w, img, nil); err != nil {
		d.log.Printf("report: error writing panel: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// drawBar draws a small centered tick bar representing a signed position,
// clamped to a fixed visual scale purely for the panel's legibility.
func drawBar(c *gg.Context, x, y, v float64) {
	const scale = 500.0 // units of travel mapped across the bar width
	const width = 200.0
	c.SetLineWidth(2)
	c.DrawLine(x, y+barHeight/2, x+width, y+barHeight/2)
	c.Stroke()
	pos := (v/scale + 0.5) * width
	if pos < 0 {
		pos = 0
	}
	if pos > width {
		pos = width
	}
	c.DrawLine(x+pos, y, x+pos, y+barHeight)
	c.Stroke()
}

// drawLegend stamps a footer line directly onto the panel's raster using
// x/image/font's bitmap rasterizer rather than gg's own text path, so the
// panel exercises the same font package the firmware's desktop-side
// tooling would lean on for crisp fixed-width labels at small sizes.
func drawLegend(img *image.RGBA, s string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Gray{Y: 96}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(panelMargin, panelHeight-12),
	}
	d.DrawString(s)
}

// status renders a plain HTML status page, mirroring hand/http.go's
// status() handler.
func (d *Dashboard) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	pos := d.src.Position()
	fmt.Fprintf(w, "<html><body><h1>Status</h1>")
	fmt.Fprintf(w, "state: %s cycle: %s hold: %s<br>", d.src.State(), d.src.Cycle(), d.src.HoldState())
	for a := 0; a < int(axis.Count); a++ {
		fmt.Fprintf(w, "%s: %.3f<br>", axis.Ordinal(a).String(), pos[a])
	}
	for m := 0; m < d.src.MotorCount(); m++ {
		if fe, err := d.src.FollowingError(m); err == nil {
			fmt.Fprintf(w, "motor%d following error: %d<br>", m, fe)
		}
	}
	fmt.Fprintf(w, `<p><a href="panel.jpg">panel</a></body></html>`)
}
