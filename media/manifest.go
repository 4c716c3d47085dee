// Package media computes storage manifests for assets bound to records and
// mirrors their bytes to distribution backends. The core never transcodes;
// location hints are opaque strings produced by the uploaders.
package media

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"

	"github.com/nfnt/resize"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/record"
)

// defaultThumbSide is the longest side of generated thumbnails.
const defaultThumbSide = 512

// Thumbnail is a generated preview with its own manifest, so it can be
// mirrored like any other asset.
type Thumbnail struct {
	Manifest *record.StorageManifest
	Data     []byte
}

// Builder computes storage manifests.
type Builder struct {
	thumbSide int
	log       *logrus.Entry
}

// NewBuilder creates a builder; thumbSide 0 selects the default.
func NewBuilder(thumbSide int) *Builder {
	if thumbSide <= 0 {
		thumbSide = defaultThumbSide
	}
	return &Builder{
		thumbSide: thumbSide,
		log:       common.ComponentLogger("media"),
	}
}

// Build computes the manifest for data. Assets that decode as images carry
// their dimensions and EXIF orientation; images larger than the thumbnail
// side also get a generated thumbnail, returned alongside the manifest with
// the two linked by content hash.
func (b *Builder) Build(data []byte, mimeHint string) (*record.StorageManifest, *Thumbnail, error) {
	if len(data) == 0 {
		return nil, nil, common.Failf(common.FailureDecode, "empty asset")
	}
	manifest := &record.StorageManifest{
		ContentHash: contentHash(data),
		Size:        int64(len(data)),
		MIME:        mimeHint,
	}
	if manifest.MIME == "" {
		manifest.MIME = http.DetectContentType(data)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		// Not an image, or a format we do not decode. The manifest is
		// complete without dimensions.
		return manifest, nil, nil
	}
	manifest.Width = cfg.Width
	manifest.Height = cfg.Height
	manifest.Orientation = exifOrientation(data)

	thumb, err := b.buildThumbnail(data, format, cfg)
	if err != nil {
		b.log.WithError(err).Warn("thumbnail generation failed")
		return manifest, nil, nil
	}
	if thumb != nil {
		manifest.Thumbnail = thumb.Manifest.ContentHash
	}
	return manifest, thumb, nil
}

// buildThumbnail scales the image down to the configured side. Images that
// already fit, and formats we cannot re-encode, yield no thumbnail.
func (b *Builder) buildThumbnail(data []byte, format string, cfg image.Config) (*Thumbnail, error) {
	if cfg.Width <= b.thumbSide && cfg.Height <= b.thumbSide {
		return nil, nil
	}
	if format != "jpeg" && format != "png" {
		return nil, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	scaled := resize.Thumbnail(uint(b.thumbSide), uint(b.thumbSide), img, resize.Lanczos3)

	var buf bytes.Buffer
	var mime string
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: 90})
		mime = "image/jpeg"
	case "png":
		err = png.Encode(&buf, scaled)
		mime = "image/png"
	}
	if err != nil {
		return nil, err
	}

	out := buf.Bytes()
	bounds := scaled.Bounds()
	return &Thumbnail{
		Manifest: &record.StorageManifest{
			ContentHash: contentHash(out),
			Size:        int64(len(out)),
			MIME:        mime,
			Width:       bounds.Dx(),
			Height:      bounds.Dy(),
		},
		Data: out,
	}, nil
}

// exifOrientation reads the EXIF orientation tag, 0 when absent. Only JPEG
// and TIFF payloads carry EXIF; everything else is quietly orientation-free.
func exifOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0
	}
	v, err := tag.Int(0)
	if err != nil {
		return 0
	}
	return v
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
