package extractor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
)

func TestExtract_PlainText(t *testing.T) {
	res, err := Extract(context.Background(), "k", "n.txt", []byte("hello\r\nworld\r\n\r\n\r\nagain"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n\nagain", res.Text)
}

func TestExtract_PlainText_RejectsInvalidUTF8(t *testing.T) {
	_, err := Extract(context.Background(), "k", "n.txt", []byte{0xff, 0xfe, 0xfd}, "text/plain")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestExtract_JSON_PrettyPrints(t *testing.T) {
	res, err := Extract(context.Background(), "k", "n.json", []byte(`{"a":1,"b":[2,3]}`), "application/json")
	require.NoError(t, err)
	assert.Contains(t, res.Text, "\"a\": 1")
}

func TestExtract_JSON_FallsBackToRawOnParseFailure(t *testing.T) {
	res, err := Extract(context.Background(), "k", "n.json", []byte(`not json`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, "not json", res.Text)
}

func TestExtract_Image_NotImplemented(t *testing.T) {
	_, err := Extract(context.Background(), "k", "n.png", []byte{1, 2, 3}, "image/png")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotImpl, errs.KindOf(err))
}

func TestExtract_UnsupportedContentType(t *testing.T) {
	_, err := Extract(context.Background(), "k", "n.bin", []byte{1, 2, 3}, "application/octet-stream")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestExtractRange_ByteRangeSlicesBeforeExtracting(t *testing.T) {
	buf := []byte("0123456789ABCDEFGHIJ")
	res, err := ExtractRange(context.Background(), "k", "n.txt", buf, "text/plain", domain.ChunkRange{ByteFrom: 5, ByteTo: 10})
	require.NoError(t, err)
	assert.Equal(t, "56789", res.Text)
}

func TestExtractRange_ZeroRangeIsWholeBuffer(t *testing.T) {
	buf := []byte("hello world")
	res, err := ExtractRange(context.Background(), "k", "n.txt", buf, "text/plain", domain.ChunkRange{})
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Text)
}

func TestExtractRange_ByteRangeClampsToBufferBounds(t *testing.T) {
	buf := []byte("short")
	res, err := ExtractRange(context.Background(), "k", "n.txt", buf, "text/plain", domain.ChunkRange{ByteFrom: 2, ByteTo: 1000})
	require.NoError(t, err)
	assert.Equal(t, "ort", res.Text)
}

func TestNormalizeWhitespace_CollapsesBlankLinesAndCRLF(t *testing.T) {
	in := "a\r\n\r\n\r\n\r\nb   c\t\td"
	out := normalizeWhitespace(in)
	assert.Equal(t, "a\n\nb c d", out)
}
