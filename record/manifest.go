package record

// HintKind names a content-distribution network a media asset is reachable
// through.
type HintKind string

const (
	HintHTTP       HintKind = "http"
	HintIPFS       HintKind = "ipfs"
	HintBitTorrent HintKind = "bittorrent"
	HintArweave    HintKind = "arweave"
)

// Hint is one distribution location for an asset. Locators are opaque to the
// core: a URL, a CID, a magnet link or a transaction id, stored verbatim as
// produced by the uploading backend.
type Hint struct {
	Kind    HintKind `json:"kind"`
	Locator string   `json:"locator"`
}

// StorageManifest describes a media asset bound to a record: its content
// address plus every known way to retrieve it.
type StorageManifest struct {
	ContentHash string `json:"contentHash"`
	Size        int64  `json:"size"`
	MIME        string `json:"mime"`
	Hints       []Hint `json:"hints,omitempty"`

	// Image metadata, present when the asset decodes as an image.
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Orientation int    `json:"orientation,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"` // content hash of the generated thumbnail
}

// AddHint appends a hint unless an identical one is already recorded.
func (m *StorageManifest) AddHint(kind HintKind, locator string) {
	for _, h := range m.Hints {
		if h.Kind == kind && h.Locator == locator {
			return
		}
	}
	m.Hints = append(m.Hints, Hint{Kind: kind, Locator: locator})
}
