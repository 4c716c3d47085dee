package codec

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/template"
)

// mapSource implements TemplateSource over literal templates.
type mapSource struct {
	byName map[string]*template.Template
	byID   map[string]*template.Template
}

func newMapSource(tmpls ...*template.Template) *mapSource {
	s := &mapSource{
		byName: make(map[string]*template.Template),
		byID:   make(map[string]*template.Template),
	}
	for _, t := range tmpls {
		s.byName[t.Name] = t
		s.byID[t.ID] = t
	}
	return s
}

func (s *mapSource) LookupByName(name string) (*template.Template, bool) {
	t, ok := s.byName[name]
	return t, ok
}

func (s *mapSource) LookupByID(id string) (*template.Template, bool) {
	t, ok := s.byID[id]
	return t, ok
}

func postTemplate() *template.Template {
	return &template.Template{
		ID:   "tx-post",
		Name: "post",
		Fields: []template.Field{
			{Name: "title", Type: template.TypeString, Index: 0},
			{Name: "views", Type: template.TypeLong, Index: 1},
			{Name: "rating", Type: template.TypeFloat, Index: 2},
			{Name: "published", Type: template.TypeBool, Index: 3},
			{Name: "category", Type: template.TypeEnum, Index: 4, Values: []string{"news", "howto", "misc"}},
			{Name: "tags", Type: template.Repeated(template.TypeString), Index: 5},
			{Name: "author", Type: template.TypeDref, Index: 6},
			{Name: "bytes", Type: template.TypeUint64, Index: 7},
		},
	}
}

func TestCompress_Shape(t *testing.T) {
	src := newMapSource(postTemplate())
	data := map[string]map[string]interface{}{
		"post": {
			"title":     "hello",
			"views":     int64(42),
			"category":  "howto",
			"tags":      []interface{}{"go", "oip"},
			"author":    "did:arweave:creator-tx",
			"published": true,
		},
	}

	tuples, err := Compress(data, src)
	require.NoError(t, err)
	require.Len(t, tuples, 1)

	tuple := tuples[0]
	assert.Equal(t, "tx-post", tuple["t"])
	assert.Equal(t, "hello", tuple["0"])
	assert.Equal(t, int64(42), tuple["1"])
	assert.Equal(t, true, tuple["3"])
	assert.Equal(t, 1, tuple["4"], "enum encodes as position")
	assert.Equal(t, []interface{}{"go", "oip"}, tuple["5"])
	assert.Equal(t, "did:arweave:creator-tx", tuple["6"])
}

func TestRoundTrip_Identity(t *testing.T) {
	src := newMapSource(postTemplate())
	data := map[string]map[string]interface{}{
		"post": {
			"title":     "round trip",
			"views":     int64(7),
			"rating":    4.5,
			"published": false,
			"category":  "news",
			"tags":      []interface{}{"a", "b", "c"},
			"author":    "did:gun:abcdef012345:r1",
			"bytes":     uint64(18446744073709551615),
		},
	}

	tuples, err := Compress(data, src)
	require.NoError(t, err)
	back, err := Decompress(tuples, src)
	require.NoError(t, err)
	assert.Equal(t, data, back)
}

// TestRoundTrip_ThroughJSON exercises the path a record actually takes:
// compressed, marshaled, parsed with UseNumber, then decompressed.
func TestRoundTrip_ThroughJSON(t *testing.T) {
	src := newMapSource(postTemplate())
	data := map[string]map[string]interface{}{
		"post": {
			"title":     "wire",
			"views":     int64(123456789012),
			"rating":    2.25,
			"published": true,
			"category":  "misc",
			"tags":      []interface{}{"x"},
			"author":    "did:arweave:tx9",
			"bytes":     uint64(9007199254740993), // beyond float53
		},
	}

	tuples, err := Compress(data, src)
	require.NoError(t, err)

	wire, err := json.Marshal(tuples)
	require.NoError(t, err)

	dec := json.NewDecoder(bytes.NewReader(wire))
	dec.UseNumber()
	var parsed []Compressed
	require.NoError(t, dec.Decode(&parsed))

	back, err := Decompress(parsed, src)
	require.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestDecompress_BoolAcceptsZeroOne(t *testing.T) {
	src := newMapSource(postTemplate())
	tuple := Compressed{"t": "tx-post", "3": float64(1)}

	out, err := Decompress([]Compressed{tuple}, src)
	require.NoError(t, err)
	assert.Equal(t, true, out["post"]["published"])
}

func TestDecompress_UnknownIndexSurfaced(t *testing.T) {
	src := newMapSource(postTemplate())
	tuple := Compressed{"t": "tx-post", "0": "hi", "99": "future-value"}

	out, err := Decompress([]Compressed{tuple}, src)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["post"]["title"])
	assert.Equal(t, "future-value", out["post"]["_unknownField_99"])
	assert.True(t, IsUnknownField("_unknownField_99"))
}

func TestCompress_UnknownFieldRejected(t *testing.T) {
	src := newMapSource(postTemplate())
	data := map[string]map[string]interface{}{
		"post": {"nonsense": "x"},
	}
	_, err := Compress(data, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownField)
	assert.Equal(t, common.FailureDecode, common.KindOf(err))
}

func TestCompress_UnknownEnumValueRejected(t *testing.T) {
	src := newMapSource(postTemplate())
	data := map[string]map[string]interface{}{
		"post": {"category": "sports"},
	}
	_, err := Compress(data, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownEnumValue)
}

func TestCompress_MissingTemplateDefers(t *testing.T) {
	src := newMapSource()
	_, err := Compress(map[string]map[string]interface{}{"ghost": {"a": 1}}, src)
	require.Error(t, err)
	assert.Equal(t, common.FailureTemplateMissing, common.KindOf(err))
}

func TestDecompress_MissingTemplateDefers(t *testing.T) {
	src := newMapSource()
	_, err := Decompress([]Compressed{{"t": "tx-ghost", "0": "x"}}, src)
	require.Error(t, err)
	assert.Equal(t, common.FailureTemplateMissing, common.KindOf(err))
}

func TestDecompress_EnumOutOfRange(t *testing.T) {
	src := newMapSource(postTemplate())
	_, err := Decompress([]Compressed{{"t": "tx-post", "4": float64(9)}}, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownEnumValue)
}

func TestCompress_MultiTemplateDeterministicOrder(t *testing.T) {
	basic := &template.Template{
		ID:   "tx-basic",
		Name: "basic",
		Fields: []template.Field{
			{Name: "name", Type: template.TypeString, Index: 0},
		},
	}
	src := newMapSource(postTemplate(), basic)
	data := map[string]map[string]interface{}{
		"post":  {"title": "t"},
		"basic": {"name": "n"},
	}

	tuples, err := Compress(data, src)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, "tx-basic", tuples[0]["t"], "templates ordered by name")
	assert.Equal(t, "tx-post", tuples[1]["t"])
}
