package media

import (
	"context"

	"github.com/oipwg/oipd/record"
)

// Asset is the unit handed to uploaders: content-addressed bytes plus the
// MIME type the mirror should serve them under.
type Asset struct {
	ContentHash string
	MIME        string
	Data        []byte
}

// Uploader pushes an asset to one distribution backend and reports how to
// reach it there. The locator is stored verbatim in the manifest; IPFS,
// BitTorrent and Arweave uploaders live outside this process and submit
// their hints through the API.
type Uploader interface {
	Upload(ctx context.Context, asset *Asset) (record.Hint, error)
}

// MockUploader is a mock implementation of Uploader for testing.
type MockUploader struct {
	// Hint to return; a zero value yields a synthetic HTTP locator.
	Hint record.Hint
	// Err to return from Upload
	Err error
	// Track calls
	UploadCalled bool
	LastAsset    *Asset
}

// Upload records the call and returns the configured hint.
func (m *MockUploader) Upload(_ context.Context, asset *Asset) (record.Hint, error) {
	m.UploadCalled = true
	m.LastAsset = asset
	if m.Err != nil {
		return record.Hint{}, m.Err
	}
	if m.Hint.Locator == "" {
		return record.Hint{Kind: record.HintHTTP, Locator: "https://mirror.invalid/media/" + asset.ContentHash}, nil
	}
	return m.Hint, nil
}
