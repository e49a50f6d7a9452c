package vision

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DirSource проигрывает последовательность PNG/JPEG файлов каталога
// в лексикографическом порядке имен.
type DirSource struct {
	mu    sync.Mutex
	dir   string
	files []string
	next  int
	loop  bool
}

// NewDirSource перечисляет изображения каталога. С loop перебор начинается сначала по окончании.
func NewDirSource(dir string, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("чтение каталога кадров %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("в каталоге %s нет кадров PNG/JPEG", dir)
	}
	sort.Strings(files)
	return &DirSource{dir: dir, files: files, loop: loop}, nil
}

// Len возвращает число кадров в каталоге.
func (s *DirSource) Len() int { return len(s.files) }

// Next декодирует очередной файл. Битый файл дает CaptureError и пропускается.
func (s *DirSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.next >= len(s.files) {
		if !s.loop {
			s.mu.Unlock()
			return nil, ErrEndOfStream
		}
		s.next = 0
	}
	path := s.files[s.next]
	s.next++
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, &CaptureError{Source: s.dir, Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &CaptureError{Source: s.dir, Err: fmt.Errorf("%s: %w", filepath.Base(path), err)}
	}
	return img, nil
}

// Close ничего не освобождает.
func (s *DirSource) Close() error { return nil }
