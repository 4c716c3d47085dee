package api

import (
	"context"
	"io"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/media"
	"github.com/oipwg/oipd/record"
)

// MediaFetcher streams a mirrored asset back by content hash. Implemented
// by media.S3Mirror.
type MediaFetcher interface {
	Fetch(ctx context.Context, contentHash string) (io.ReadCloser, string, error)
}

// MediaService backs the media endpoints: manifests for anything, mirrored
// bytes when a mirror is configured.
type MediaService struct {
	Builder *media.Builder
	// Uploader mirrors uploads; nil means manifests come back without an
	// http hint.
	Uploader media.Uploader
	// Fetcher serves mirrored bytes; nil means GET /media/:hash is always
	// a miss.
	Fetcher MediaFetcher
	Seeder  *media.Seeder
}

var contentHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// manifestResponse carries the asset manifest plus the generated
// thumbnail's, when one was produced.
type manifestResponse struct {
	Manifest  *record.StorageManifest `json:"manifest"`
	Thumbnail *record.StorageManifest `json:"thumbnail,omitempty"`
}

// UploadMedia serves POST /media. The request body is the raw asset; the
// response is the manifest the caller binds into a record. With a mirror
// configured the asset and its thumbnail are uploaded first and their http
// hints appended. Hints from external backends (IPFS, BitTorrent, Arweave)
// are the caller's to merge; the core stores them verbatim inside the
// record.
func (h *Handlers) UploadMedia(c echo.Context) error {
	ctx := c.Request().Context()
	m := h.Media

	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return common.Fail(common.FailureDecode, err)
	}

	mime := c.Request().Header.Get(echo.HeaderContentType)
	if mime == echo.MIMEOctetStream {
		// Unlabeled upload; let the builder sniff the real type.
		mime = ""
	}
	manifest, thumb, err := m.Builder.Build(data, mime)
	if err != nil {
		return err
	}

	if m.Uploader != nil {
		hint, err := m.Uploader.Upload(ctx, &media.Asset{
			ContentHash: manifest.ContentHash,
			MIME:        manifest.MIME,
			Data:        data,
		})
		if err != nil {
			return err
		}
		manifest.AddHint(hint.Kind, hint.Locator)

		if thumb != nil {
			th, err := m.Uploader.Upload(ctx, &media.Asset{
				ContentHash: thumb.Manifest.ContentHash,
				MIME:        thumb.Manifest.MIME,
				Data:        thumb.Data,
			})
			if err != nil {
				// The asset itself is mirrored; a missing thumbnail only
				// costs the preview.
				c.Logger().Warnf("thumbnail mirror failed: %v", err)
			} else {
				thumb.Manifest.AddHint(th.Kind, th.Locator)
			}
		}
	}

	resp := manifestResponse{Manifest: manifest}
	if thumb != nil {
		resp.Thumbnail = thumb.Manifest
	}
	return c.JSON(http.StatusCreated, resp)
}

// GetMedia serves GET /media/:hash, streaming mirrored bytes through the
// seeder so concurrent transfers and total bandwidth stay capped.
func (h *Handlers) GetMedia(c echo.Context) error {
	hash := c.Param("hash")
	if !contentHashPattern.MatchString(hash) {
		return common.Failf(common.FailureDecode, "malformed content hash %q", hash)
	}
	m := h.Media
	if m.Fetcher == nil {
		return common.Failf(common.FailureNotFound, "asset %s not mirrored", hash)
	}

	body, mime, err := m.Fetcher.Fetch(c.Request().Context(), hash)
	if err != nil {
		return err
	}
	defer body.Close()

	if mime == "" {
		mime = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderContentType, mime)
	c.Response().WriteHeader(http.StatusOK)

	// The response is committed from here on; a mid-stream failure can only
	// drop the connection.
	_, err = m.Seeder.Seed(c.Request().Context(), c.Response(), body)
	return err
}
