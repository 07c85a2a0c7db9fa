package compare

import (
	"bytes"
	"image"
	"image/png"

	"github.com/jung-kurt/gofpdf"

	"github.com/stylegen/stylegen/worker"
)

const pdfImageName = "composite"

// WritePDF writes img as a single-page PDF whose page matches the image size,
// one point per pixel.
func WritePDF(img image.Image, path string) error {
	var src bytes.Buffer
	if err := png.Encode(&src, img); err != nil {
		return err
	}

	w := float64(img.Bounds().Dx())
	h := float64(img.Bounds().Dy())

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "pt",
		Size:    gofpdf.SizeType{Wd: w, Ht: h},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader(pdfImageName, opts, &src)
	pdf.ImageOptions(pdfImageName, 0, 0, w, h, false, opts, 0, "")

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return err
	}
	return worker.WriteFileAtomic(path, out.Bytes())
}
