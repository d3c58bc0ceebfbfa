package media

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/utils"
)

const (
	stillWidth  = 1920
	stillHeight = 1080
)

// Renderer draws the intro still, outro still and thumbnail from a saved
// layout. The outro is the intro background without text.
type Renderer struct {
	log     *logger.Logger
	fontDir string
}

func NewRenderer(log *logger.Logger) *Renderer {
	slog := log.With("service", "StillRenderer")
	return &Renderer{
		log:     slog,
		fontDir: utils.GetEnv("FONT_DIR", "/usr/share/fonts/qtmaker", slog),
	}
}

// StillRequest describes one 1920x1080 still. BackgroundImagePath wins over
// BackgroundColor when both are set. Fields maps a text box's Field name to
// the text to draw; boxes with no matching field are skipped.
type StillRequest struct {
	BackgroundImagePath string
	BackgroundColor     string
	Boxes               []types.TextBox
	Fields              map[string]string
	OutPath             string
}

func (r *Renderer) RenderStill(req StillRequest) error {
	dc := gg.NewContext(stillWidth, stillHeight)

	bg, err := parseHexColor(req.BackgroundColor)
	if err != nil {
		bg = color.RGBA{A: 0xff}
	}
	dc.SetColor(bg)
	dc.Clear()

	if req.BackgroundImagePath != "" {
		img, err := gg.LoadImage(req.BackgroundImagePath)
		if err != nil {
			return fmt.Errorf("load background image: %w", err)
		}
		bounds := img.Bounds()
		scale := math.Max(
			float64(stillWidth)/float64(bounds.Dx()),
			float64(stillHeight)/float64(bounds.Dy()),
		)
		dc.Push()
		dc.Translate(stillWidth/2, stillHeight/2)
		dc.Scale(scale, scale)
		dc.DrawImageAnchored(img, 0, 0, 0.5, 0.5)
		dc.Pop()
	}

	for _, box := range req.Boxes {
		text := req.Fields[box.Field]
		if text == "" {
			continue
		}
		if err := r.drawBox(dc, box, text); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(req.OutPath), 0o755); err != nil {
		return fmt.Errorf("mkdir still output dir: %w", err)
	}
	return dc.SavePNG(req.OutPath)
}

func (r *Renderer) drawBox(dc *gg.Context, box types.TextBox, text string) error {
	face, err := r.fontFace(box.FontFamily, box.FontSize)
	if err != nil {
		return err
	}
	dc.SetFontFace(face)

	c, err := parseHexColor(box.Color)
	if err != nil {
		r.log.Warn("Unparseable text box color, using white", "field", box.Field, "color", box.Color)
		c = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	}
	dc.SetColor(c)

	width := box.Width
	if width <= 0 {
		width = stillWidth - box.X
	}
	dc.DrawStringWrapped(text, box.X, box.Y, 0, 0, width, 1.3, ggAlign(box.Align))
	return nil
}

// fontFace loads the family from the font directory, falling back to Go
// Regular so a missing font never fails a render.
func (r *Renderer) fontFace(family string, size float64) (font.Face, error) {
	if size <= 0 {
		size = 48
	}
	raw := goregular.TTF
	if family != "" {
		path := filepath.Join(r.fontDir, family+".ttf")
		if b, err := os.ReadFile(path); err == nil {
			raw = b
		} else {
			r.log.Debug("Font not found, using fallback", "family", family, "path", path)
		}
	}
	f, err := truetype.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse font %q: %w", family, err)
	}
	return truetype.NewFace(f, &truetype.Options{Size: size}), nil
}

func ggAlign(align string) gg.Align {
	switch strings.ToLower(align) {
	case "center":
		return gg.AlignCenter
	case "right":
		return gg.AlignRight
	default:
		return gg.AlignLeft
	}
}

// parseHexColor parses "#RRGGBB" or "#RGB".
func parseHexColor(s string) (color.RGBA, error) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] != '#' {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
	hexVal := func(b byte) (uint8, bool) {
		switch {
		case b >= '0' && b <= '9':
			return b - '0', true
		case b >= 'a' && b <= 'f':
			return b - 'a' + 10, true
		case b >= 'A' && b <= 'F':
			return b - 'A' + 10, true
		}
		return 0, false
	}
	digits := s[1:]
	var vals []uint8
	for i := 0; i < len(digits); i++ {
		v, ok := hexVal(digits[i])
		if !ok {
			return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
		}
		vals = append(vals, v)
	}
	switch len(vals) {
	case 3:
		return color.RGBA{R: vals[0] * 17, G: vals[1] * 17, B: vals[2] * 17, A: 0xff}, nil
	case 6:
		return color.RGBA{
			R: vals[0]<<4 | vals[1],
			G: vals[2]<<4 | vals[3],
			B: vals[4]<<4 | vals[5],
			A: 0xff,
		}, nil
	}
	return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
}
