package filename

import (
	"bufio"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// maxKeyBytes leaves room under the usual 255-byte name limit for the
// filesystem store's ".json" sidecar.
const maxKeyBytes = 200

// maxExtBytes bounds how much of an extension survives truncation.
const maxExtBytes = 32

// sniffLen is how much of a body Sniff inspects.
const sniffLen = 512

// Sanitizer turns client supplied names into object keys.
type Sanitizer struct {
	blocked map[string]bool
	now     func() time.Time
}

func NewSanitizer(blockedExtensions []string) *Sanitizer {
	blocked := make(map[string]bool, len(blockedExtensions))
	for _, ext := range blockedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		blocked[ext] = true
	}
	return &Sanitizer{blocked: blocked, now: time.Now}
}

// Key keeps unicode letters but replaces path and shell separators, drops control
// characters, and neutralizes blocked extensions by renaming them to .txt.
func (s *Sanitizer) Key(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 32 || r == 127:
			return -1
		case strings.ContainsRune(`<>:"/\|?*`, r):
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	if name == "" || strings.HasPrefix(name, ".") {
		name = fmt.Sprintf("file_%d", s.now().Unix())
	}

	ext := strings.ToLower(path.Ext(name))
	if s.blocked[ext] {
		name = strings.TrimSuffix(name, path.Ext(name)) + ".txt"
	}

	if len(name) > maxKeyBytes {
		ext := path.Ext(name)
		if len(ext) > maxExtBytes {
			ext = ""
		}
		name = truncateBytes(strings.TrimSuffix(name, ext), maxKeyBytes-len(ext)) + ext
	}
	return name
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ContentType guesses from the extension first and falls back to sniffing head.
func ContentType(name string, head []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(name))); ct != "" {
		return ct
	}
	if len(head) > 0 {
		return mimetype.Detect(head).String()
	}
	return "application/octet-stream"
}

// Sniff resolves the content type of an object being streamed out. Names with a
// known extension are not read; otherwise the first bytes are peeked and the
// returned reader still yields the whole body.
func Sniff(name string, rc io.ReadCloser) (string, io.ReadCloser) {
	if ct := ContentType(name, nil); ct != "application/octet-stream" {
		return ct, rc
	}
	br := bufio.NewReaderSize(rc, sniffLen)
	head, _ := br.Peek(sniffLen)
	return ContentType(name, head), bufferedReadCloser{Reader: br, Closer: rc}
}

type bufferedReadCloser struct {
	*bufio.Reader
	io.Closer
}
