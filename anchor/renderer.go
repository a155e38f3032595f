package anchor

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Badge geometry in pixels
const (
	badgeHeight  = 28
	badgePadding = 8
	badgeDot     = 7
)

// StatusColor maps each status to its indicator colour. The three loop
// outcomes use distinct colours; pending is grey.
func StatusColor(s Status) color.RGBA {
	switch s {
	case StatusFreshFix:
		return color.RGBA{R: 46, G: 204, B: 113, A: 255} // green
	case StatusNoMatch:
		return color.RGBA{R: 231, G: 76, B: 60, A: 255} // red
	case StatusTransportError:
		return color.RGBA{R: 241, G: 196, B: 15, A: 255} // yellow
	default:
		return color.RGBA{R: 149, G: 165, B: 166, A: 255}
	}
}

// StatusLabel is the short text shown next to the indicator
func StatusLabel(s Status) string {
	switch s {
	case StatusFreshFix:
		return "localized"
	case StatusNoMatch:
		return "no match"
	case StatusTransportError:
		return "offline fallback"
	default:
		return "waiting"
	}
}

// RenderStatusBadge draws the status indicator as a small image: a coloured
// dot followed by the label and, when given, a detail string.
func RenderStatusBadge(s Status, detail string) *image.RGBA {
	text := StatusLabel(s)
	if detail != "" {
		text = fmt.Sprintf("%s - %s", text, detail)
	}
	face := basicfont.Face7x13
	textWidth := font.MeasureString(face, text).Ceil()
	width := badgePadding*3 + badgeDot*2 + textWidth

	img := image.NewRGBA(image.Rect(0, 0, width, badgeHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 255}), image.Point{}, draw.Src)

	drawCircle(img, badgePadding+badgeDot, badgeHeight/2, badgeDot, StatusColor(s))
	drawText(img, badgePadding*2+badgeDot*2, badgeHeight/2+5, text, color.RGBA{A: 255})
	return img
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	bounds := img.Bounds()
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			p := image.Pt(cx+dx, cy+dy)
			if p.In(bounds) {
				img.Set(p.X, p.Y, c)
			}
		}
	}
}

// drawText renders text onto an image with its baseline at y
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
