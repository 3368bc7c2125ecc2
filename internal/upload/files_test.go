package upload

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFromPaths(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "receipt.png")
	pngData := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	if err := os.WriteFile(png, pngData, 0o644); err != nil {
		t.Fatal(err)
	}
	txt := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(txt, []byte("plain text"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := FromPaths([]string{png, txt})
	if err != nil {
		t.Fatalf("FromPaths: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].ContentType != "image/png" || got[0].Size != int64(len(pngData)) || got[0].Name != "receipt.png" {
		t.Errorf("unexpected png candidate %+v", got[0])
	}
	if !strings.HasPrefix(got[1].ContentType, "text/plain") {
		t.Errorf("txt content type = %q", got[1].ContentType)
	}
	if got[0].ID == "" || got[0].ID == got[1].ID {
		t.Errorf("ids not unique: %q %q", got[0].ID, got[1].ID)
	}

	rc, err := got[0].Open()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != string(pngData) {
		t.Errorf("content mismatch")
	}
}

func TestFromPathsMissingFile(t *testing.T) {
	if _, err := FromPaths([]string{filepath.Join(t.TempDir(), "nope.jpg")}); err == nil {
		t.Fatal("expected error")
	}
}

func TestFromReaderDetectsHEIFFamily(t *testing.T) {
	tests := []struct {
		name string
		file string
		data string
		want string
	}{
		{"heic brand", "IMG_0001.HEIC", "\x00\x00\x00\x18ftypheic\x00\x00\x00\x00mif1heic", "image/heic"},
		{"heif brand", "photo.bin", "\x00\x00\x00\x18ftypmif1\x00\x00\x00\x00mif1heic", "image/heif"},
		{"extension alone is not trusted", "fake.heic", "not an image at all", "text/plain; charset=utf-8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := FromReader(tt.file, strings.NewReader(tt.data), 0)
			if err != nil {
				t.Fatal(err)
			}
			if c.ContentType != tt.want {
				t.Errorf("ContentType = %q, want %q", c.ContentType, tt.want)
			}
		})
	}
}
