// Package vision находит видимые изменения между кадрами камеры
// и поставляет сами кадры.
package vision

import (
	"errors"
	"image"

	"github.com/anthonynsimon/bild/effect"
)

// Параметры детектора по умолчанию.
const (
	DefaultDiffThreshold    = 31
	DefaultDilateIterations = 2
	DefaultMinArea          = 230
)

// ErrSizeMismatch означает, что кадры пары имеют разный размер.
var ErrSizeMismatch = errors.New("vision: размеры кадров не совпадают")

// Region описывает связную область изменений.
type Region struct {
	Bounds image.Rectangle
	// Area: число пикселей области после дилатации.
	Area int
}

// DetectorConfig задает пороги детектора.
type DetectorConfig struct {
	// DiffThreshold: разница яркости, выше которой пиксель считается изменившимся.
	DiffThreshold uint8
	// DilateIterations: число проходов дилатации ядром 3×3.
	DilateIterations int
	// MinArea: значимой считается область с площадью строго больше MinArea.
	MinArea int
}

// DefaultDetectorConfig возвращает пороги по умолчанию.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		DiffThreshold:    DefaultDiffThreshold,
		DilateIterations: DefaultDilateIterations,
		MinArea:          DefaultMinArea,
	}
}

// Detector сравнивает пару кадров и не хранит состояние между вызовами.
type Detector struct {
	cfg DetectorConfig
}

// NewDetector создает детектор.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Config возвращает пороги детектора.
func (d *Detector) Config() DetectorConfig { return d.cfg }

// Detect возвращает значимые области изменений между prev и curr.
// Без предыдущего кадра (prev == nil) областей нет.
func (d *Detector) Detect(prev, curr *image.Gray) ([]Region, error) {
	all, err := d.Changes(prev, curr)
	if err != nil {
		return nil, err
	}
	return d.Significant(all), nil
}

// Significant отбирает области с площадью больше MinArea.
func (d *Detector) Significant(regions []Region) []Region {
	var out []Region
	for _, r := range regions {
		if r.Area > d.cfg.MinArea {
			out = append(out, r)
		}
	}
	return out
}

// Changes возвращает все области изменений без фильтра по площади,
// в порядке обхода строк сверху вниз.
func (d *Detector) Changes(prev, curr *image.Gray) ([]Region, error) {
	if prev == nil || curr == nil {
		return nil, nil
	}
	if prev.Bounds().Dx() != curr.Bounds().Dx() || prev.Bounds().Dy() != curr.Bounds().Dy() {
		return nil, ErrSizeMismatch
	}

	w, h := curr.Bounds().Dx(), curr.Bounds().Dy()
	var mask image.Image = threshold(prev, curr, d.cfg.DiffThreshold)
	for i := 0; i < d.cfg.DilateIterations; i++ {
		// Радиус 1 дает квадратное ядро 3×3; край кадра продолжается, что для максимума
		// равносильно пропуску соседей за границей.
		mask = effect.Dilate(mask, 1)
	}
	return components(binaryMask(mask, w, h), w, h), nil
}

// threshold строит маску |prev - curr| > t: 0xFF для изменившихся пикселей.
// Сравнение целочисленное, чтобы граница t была точной.
func threshold(prev, curr *image.Gray, t uint8) *image.Gray {
	w, h := curr.Bounds().Dx(), curr.Bounds().Dy()
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		a := prev.Pix[prev.PixOffset(prev.Bounds().Min.X, prev.Bounds().Min.Y+y):]
		b := curr.Pix[curr.PixOffset(curr.Bounds().Min.X, curr.Bounds().Min.Y+y):]
		row := mask.Pix[y*mask.Stride : y*mask.Stride+w]
		for x := 0; x < w; x++ {
			diff := int(a[x]) - int(b[x])
			if diff < 0 {
				diff = -diff
			}
			if diff > int(t) {
				row[x] = 0xFF
			}
		}
	}
	return mask
}

// binaryMask переводит маску после дилатации в плоский []bool строками.
func binaryMask(img image.Image, w, h int) []bool {
	out := make([]bool, w*h)
	switch m := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out[y*w+x] = m.Pix[y*m.Stride+x] != 0
			}
		}
	case *image.RGBA:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out[y*w+x] = m.Pix[y*m.Stride+x*4] != 0
			}
		}
	}
	return out
}

// components выделяет 8-связные области маски. Для каждой области считается
// охватывающий прямоугольник и число пикселей.
func components(mask []bool, w, h int) []Region {
	seen := make([]bool, len(mask))
	var regions []Region
	var queue []int

	for start, on := range mask {
		if !on || seen[start] {
			continue
		}
		minX, minY := w, h
		maxX, maxY := -1, -1
		area := 0

		seen[start] = true
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			x, y := i%w, i/w
			area++
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)

			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w || (dx == 0 && dy == 0) {
						continue
					}
					j := ny*w + nx
					if mask[j] && !seen[j] {
						seen[j] = true
						queue = append(queue, j)
					}
				}
			}
		}
		regions = append(regions, Region{
			Bounds: image.Rect(minX, minY, maxX+1, maxY+1),
			Area:   area,
		})
	}
	return regions
}
