package vision

import (
	"image"
	"image/color"
	"image/draw"
)

// BoxColor задает цвет рамок вокруг значимых областей.
var BoxColor = color.RGBA{R: 255, A: 255}

// BoxThickness задает толщину рамки в пикселях.
const BoxThickness = 2

// Annotate копирует кадр в RGBA и обводит области рамками.
// На детектирование рамки не влияют: они есть только в сохраняемом и показываемом кадре.
func Annotate(img image.Image, regions []Region) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	src := image.NewUniform(BoxColor)
	for _, r := range regions {
		box := r.Bounds.Intersect(dst.Bounds())
		if box.Empty() {
			continue
		}
		t := BoxThickness
		edges := []image.Rectangle{
			image.Rect(box.Min.X, box.Min.Y, box.Max.X, box.Min.Y+t),
			image.Rect(box.Min.X, box.Max.Y-t, box.Max.X, box.Max.Y),
			image.Rect(box.Min.X, box.Min.Y, box.Min.X+t, box.Max.Y),
			image.Rect(box.Max.X-t, box.Min.Y, box.Max.X, box.Max.Y),
		}
		for _, e := range edges {
			draw.Draw(dst, e.Intersect(box), src, image.Point{}, draw.Src)
		}
	}
	return dst
}
