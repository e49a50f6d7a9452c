package vision

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestSliceSource(t *testing.T) {
	a, b := grayFrame(2, 2, 1), grayFrame(2, 2, 2)
	src := NewSliceSource(a, b)
	ctx := context.Background()

	for _, want := range []image.Image{a, b} {
		got, err := src.Next(ctx)
		if err != nil || got != want {
			t.Fatalf("Next = %v, %v", got, err)
		}
	}
	if _, err := src.Next(ctx); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("err = %v, want ErrEndOfStream", err)
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestDirSourceOrderAndBadFiles(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "002.png"), grayFrame(3, 3, 20))
	writePNG(t, filepath.Join(dir, "001.png"), grayFrame(3, 3, 10))
	if err := os.WriteFile(filepath.Join(dir, "003.png"), []byte("not a png"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := NewDirSource(dir, false)
	if err != nil {
		t.Fatalf("NewDirSource: %v", err)
	}
	if src.Len() != 3 {
		t.Fatalf("Len = %d, want 3", src.Len())
	}

	ctx := context.Background()
	for _, want := range []uint8{10, 20} {
		img, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got := ToGray(img).GrayAt(0, 0).Y; got != want {
			t.Fatalf("pixel = %d, want %d", got, want)
		}
	}

	_, err = src.Next(ctx)
	var capErr *CaptureError
	if !errors.As(err, &capErr) {
		t.Fatalf("err = %v, want CaptureError", err)
	}
	if _, err := src.Next(ctx); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("err = %v, want ErrEndOfStream", err)
	}
}

func TestDirSourceEmpty(t *testing.T) {
	if _, err := NewDirSource(t.TempDir(), false); err == nil {
		t.Fatal("expected error for empty directory")
	}
}
