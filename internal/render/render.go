// Package render draws detections onto copies of source images.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"strings"

	"geolocate/internal/detect"
	"geolocate/internal/logging"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Mode selects composite or single-object rendering.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeSingle Mode = "single"
)

// Format is the output encoding.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatWebP Format = "webp"
)

const (
	outlineWidth    = 2
	badgePadding    = 3
	badgeAlpha      = 160
	statusBarHeight = 20
)

// Palette is indexed by detection position; the first entry is used for
// single-object renders.
var Palette = []color.NRGBA{
	{R: 255, G: 105, B: 180, A: 255}, // pink
	{R: 50, G: 205, B: 50, A: 255},
	{R: 30, G: 144, B: 255, A: 255},
	{R: 255, G: 165, B: 0, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 148, G: 0, B: 211, A: 255},
}

var (
	roadTint  = color.NRGBA{R: 30, G: 90, B: 255, A: 90}
	otherTint = color.NRGBA{R: 210, G: 210, B: 210, A: 70}
)

// Options describe one render call.
type Options struct {
	Mode   Mode
	Index  int // detection to draw in ModeSingle
	Method detect.Method
	Seed   *int64
	Masks  *detect.Masks
}

// Rendered is an encoded annotated image plus what was drawn on it.
type Rendered struct {
	Data        []byte
	ContentType string
	Boxes       int
	StatusBar   bool
	Placeholder bool
}

// Renderer encodes annotated images at a fixed quality.
type Renderer struct {
	format  Format
	quality int
	log     *slog.Logger
}

func New(format string, quality int, log *slog.Logger) *Renderer {
	f := Format(strings.ToLower(format))
	if f != FormatWebP {
		f = FormatJPEG
	}
	if quality < 1 || quality > 100 {
		quality = 90
	}
	return &Renderer{format: f, quality: quality, log: log}
}

// RenderAll draws every detection plus the status bar.
func (r *Renderer) RenderAll(src *image.NRGBA, dets []detect.Detection, method detect.Method, seed *int64, masks *detect.Masks) Rendered {
	return r.Render(src, dets, Options{Mode: ModeAll, Method: method, Seed: seed, Masks: masks})
}

// RenderSingle draws detection i alone.
func (r *Renderer) RenderSingle(src *image.NRGBA, dets []detect.Detection, i int) Rendered {
	return r.Render(src, dets, Options{Mode: ModeSingle, Index: i})
}

// Render never fails: any error or panic while drawing or encoding yields a
// gray placeholder carrying the error text.
func (r *Renderer) Render(src *image.NRGBA, dets []detect.Detection, opts Options) (out Rendered) {
	defer func() {
		if rec := recover(); rec != nil {
			out = r.failed(src, fmt.Errorf("panic: %v", rec))
		}
	}()

	c, err := annotate(src, dets, opts)
	if err != nil {
		return r.failed(src, err)
	}
	data, ctype, err := r.Encode(c.img)
	if err != nil {
		return r.failed(src, err)
	}
	return Rendered{Data: data, ContentType: ctype, Boxes: c.boxes, StatusBar: c.bars > 0}
}

// Encode writes img in the configured format.
func (r *Renderer) Encode(img image.Image) ([]byte, string, error) {
	var buf bytes.Buffer
	switch r.format {
	case FormatWebP:
		if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(r.quality)}); err != nil {
			return nil, "", fmt.Errorf("encode webp: %w", err)
		}
		return buf.Bytes(), "image/webp", nil
	default:
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(r.quality)); err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
		return buf.Bytes(), "image/jpeg", nil
	}
}

func (r *Renderer) failed(src *image.NRGBA, err error) Rendered {
	if r.log != nil {
		r.log.Error("render failed, returning placeholder", "error", err)
	}
	w, h := 640, 480
	if src != nil && !src.Bounds().Empty() {
		w, h = src.Bounds().Dx(), src.Bounds().Dy()
	}
	img := Placeholder(w, h, err.Error())
	var buf bytes.Buffer
	if encErr := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(r.quality)); encErr != nil {
		return Rendered{Placeholder: true, ContentType: "image/jpeg"}
	}
	return Rendered{Data: buf.Bytes(), ContentType: "image/jpeg", Placeholder: true}
}

// Placeholder returns a neutral gray image with msg written on it.
func Placeholder(w, h int, msg string) *image.NRGBA {
	img := imaging.New(w, h, color.NRGBA{R: 128, G: 128, B: 128, A: 255})
	c := &canvas{img: img}
	perLine := max(1, (w-2*badgePadding)/7)
	y := badgePadding
	for _, line := range wrap("render error: "+msg, perLine) {
		if y+13 > h {
			break
		}
		c.text(badgePadding, y, line, color.White)
		y += 15
	}
	return img
}

func annotate(src *image.NRGBA, dets []detect.Detection, opts Options) (*canvas, error) {
	if src == nil || src.Bounds().Empty() {
		return nil, fmt.Errorf("empty source image")
	}
	c := &canvas{img: imaging.Clone(src)}

	switch opts.Mode {
	case ModeSingle:
		if opts.Index < 0 || opts.Index >= len(dets) {
			return nil, fmt.Errorf("detection index %d out of range [0,%d)", opts.Index, len(dets))
		}
		c.detection(dets[opts.Index], Palette[0], 2*outlineWidth)
	case ModeAll, "":
		if opts.Masks != nil {
			c.tint(opts.Masks.Road, roadTint)
			c.tint(opts.Masks.Other, otherTint)
		}
		for i, d := range dets {
			c.detection(d, Palette[i%len(Palette)], outlineWidth)
		}
		c.statusBar(fmt.Sprintf("Detections: %d | Method: %d | Seed: %s", len(dets), int(opts.Method), logging.SeedString(opts.Seed)))
	default:
		return nil, fmt.Errorf("unknown render mode %q", opts.Mode)
	}
	return c, nil
}

type canvas struct {
	img   *image.NRGBA
	boxes int
	bars  int
}

func (c *canvas) detection(d detect.Detection, col color.NRGBA, width int) {
	r := d.BBox.Rect()
	c.outline(r, col, width)

	label := fmt.Sprintf("%s .%d", d.ID, int(d.Confidence*100))
	_, lh := badgeSize(label)
	ly := r.Min.Y - lh
	if ly < 0 {
		ly = r.Min.Y + width
	}
	c.badge(r.Min.X, ly, label, col)

	if d.Lat == nil || d.Lon == nil {
		return
	}
	coords := fmt.Sprintf("%.6f, %.6f", *d.Lat, *d.Lon)
	cw, ch := badgeSize(coords)
	if cw > r.Dx()-2*width || ch > r.Dy()-2*width {
		coords = fmt.Sprintf("%.5f, %.5f", *d.Lat, *d.Lon)
		cw, ch = badgeSize(coords)
	}
	if cw <= r.Dx()-2*width && ch <= r.Dy()-2*width {
		c.badge(r.Min.X+width, r.Max.Y-width-ch, coords, color.White)
	}
}

func (c *canvas) outline(r image.Rectangle, col color.NRGBA, width int) {
	u := image.NewUniform(col)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width),
		image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y),
		image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(c.img, e.Intersect(r), u, image.Point{}, draw.Src)
	}
	c.boxes++
}

func (c *canvas) badge(x, y int, text string, fg color.Color) {
	w, h := badgeSize(text)
	bg := image.Rect(x, y, x+w, y+h)
	c.blend(bg, color.NRGBA{A: 255}, badgeAlpha)
	c.text(x+badgePadding, y+badgePadding, text, fg)
}

func (c *canvas) statusBar(text string) {
	b := c.img.Bounds()
	bar := image.Rect(b.Min.X, b.Max.Y-statusBarHeight, b.Max.X, b.Max.Y)
	c.blend(bar, color.NRGBA{A: 255}, 180)
	c.text(b.Min.X+badgePadding, bar.Min.Y+(statusBarHeight-13)/2, text, color.White)
	c.bars++
}

// tint blends col over every set pixel of m. Masks of another size are ignored.
func (c *canvas) tint(m *detect.Mask, col color.NRGBA) {
	b := c.img.Bounds()
	if m == nil || m.W != b.Dx() || m.H != b.Dy() {
		return
	}
	a := uint32(col.A)
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if !m.Bits[y*m.W+x] {
				continue
			}
			i := c.img.PixOffset(b.Min.X+x, b.Min.Y+y)
			p := c.img.Pix[i : i+3 : i+3]
			p[0] = uint8((uint32(p[0])*(255-a) + uint32(col.R)*a) / 255)
			p[1] = uint8((uint32(p[1])*(255-a) + uint32(col.G)*a) / 255)
			p[2] = uint8((uint32(p[2])*(255-a) + uint32(col.B)*a) / 255)
		}
	}
}

func (c *canvas) blend(r image.Rectangle, col color.NRGBA, alpha uint8) {
	draw.DrawMask(c.img, r, image.NewUniform(col), image.Point{}, image.NewUniform(color.Alpha{A: alpha}), image.Point{}, draw.Over)
}

func (c *canvas) text(x, y int, s string, fg color.Color) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  c.img,
		Src:  image.NewUniform(fg),
		Face: face,
		Dot:  fixed.P(x, y+face.Ascent),
	}
	d.DrawString(s)
}

func badgeSize(text string) (int, int) {
	w := font.MeasureString(basicfont.Face7x13, text).Ceil()
	return w + 2*badgePadding, basicfont.Face7x13.Height + 2*badgePadding
}

func wrap(s string, perLine int) []string {
	var lines []string
	for len(s) > perLine {
		cut := strings.LastIndex(s[:perLine], " ")
		if cut <= 0 {
			cut = perLine
		}
		lines = append(lines, s[:cut])
		s = strings.TrimLeft(s[cut:], " ")
	}
	return append(lines, s)
}
