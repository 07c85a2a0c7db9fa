package worker

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"github.com/vincent-petithory/dataurl"
)

// DecodeImageB64DataUrl decodes a base64 image data url such as the ones
// returned by the runner.
func DecodeImageB64DataUrl(url string) (image.Image, error) {
	dataURL, err := dataurl.DecodeString(url)
	if err != nil {
		return nil, err
	}

	switch ct := dataURL.MediaType.ContentType(); ct {
	case "image/png", "image/jpeg", "image/webp":
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ct)
	}

	img, _, err := image.Decode(bytes.NewReader(dataURL.Data))
	if err != nil {
		return nil, err
	}
	return img, nil
}

// SavePNG encodes img as PNG and writes it to outputPath atomically.
func SavePNG(img image.Image, outputPath string) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	return WriteFileAtomic(outputPath, buf.Bytes())
}

// WriteFileAtomic writes data to a temporary file next to path and renames it
// into place, so path either does not exist or holds the complete data.
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
