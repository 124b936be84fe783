package filename

import (
	"io"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSanitizer() *Sanitizer {
	s := NewSanitizer([]string{".exe", "bat", ".JS"})
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	return s
}

func TestKeyReplacesDangerousCharacters(t *testing.T) {
	s := newTestSanitizer()

	assert.Equal(t, "a_b_c_d.txt", s.Key(`a/b\c:d.txt`))
	assert.Equal(t, "report.pdf", s.Key("re\x00port.pdf"))
	assert.Equal(t, "отчёт 2024.docx", s.Key("отчёт 2024.docx"))
}

func TestKeyRewritesBlockedExtensions(t *testing.T) {
	s := newTestSanitizer()

	assert.Equal(t, "setup.txt", s.Key("setup.exe"))
	assert.Equal(t, "run.txt", s.Key("run.BAT"))
	assert.Equal(t, "app.txt", s.Key("app.js"))
	assert.Equal(t, "notes.md", s.Key("notes.md"))
}

func TestKeyFallsBackForHiddenOrEmptyNames(t *testing.T) {
	s := newTestSanitizer()

	assert.Equal(t, "file_1700000000", s.Key(""))
	assert.Equal(t, "file_1700000000", s.Key(".bashrc"))
	assert.Equal(t, "file_1700000000", s.Key("   "))
}

func TestKeyTruncatesLongNames(t *testing.T) {
	s := newTestSanitizer()

	key := s.Key(strings.Repeat("x", 500) + ".tar.gz")
	assert.Equal(t, maxKeyBytes, len(key))
	assert.True(t, strings.HasSuffix(key, ".gz"))
}

func TestKeyTruncatesMultibyteNamesByBytes(t *testing.T) {
	s := newTestSanitizer()

	key := s.Key(strings.Repeat("文", 120) + ".pdf")
	assert.LessOrEqual(t, len(key), maxKeyBytes)
	assert.LessOrEqual(t, len(key+".json"), 255)
	assert.True(t, utf8.ValidString(key))
	assert.True(t, strings.HasSuffix(key, ".pdf"))
	assert.True(t, strings.HasPrefix(key, "文文文"))

	key = s.Key(strings.Repeat("文", 100) + "." + strings.Repeat("e", 100))
	assert.LessOrEqual(t, len(key), maxKeyBytes)
	assert.True(t, utf8.ValidString(key))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/pdf", ContentType("a.pdf", nil))
	assert.Equal(t, "image/png", ContentType("noext", []byte("\x89PNG\r\n\x1a\n0000")))
	assert.Equal(t, "application/octet-stream", ContentType("noext", nil))
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestSniffPeeksExtensionlessBodies(t *testing.T) {
	png := "\x89PNG\r\n\x1a\n" + strings.Repeat("0", 1000)
	src := &closeTracker{Reader: strings.NewReader(png)}

	ct, rc := Sniff("scan", src)
	assert.Equal(t, "image/png", ct)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, png, string(data), "peeked bytes are still delivered")
	require.NoError(t, rc.Close())
	assert.True(t, src.closed)
}

func TestSniffSkipsKnownExtensions(t *testing.T) {
	src := &closeTracker{Reader: strings.NewReader("%PDF")}

	ct, rc := Sniff("a.pdf", src)
	assert.Equal(t, "application/pdf", ct)
	assert.Same(t, src, rc)

	ct, _ = Sniff("tiny", &closeTracker{Reader: strings.NewReader("")})
	assert.Equal(t, "application/octet-stream", ct)
}
