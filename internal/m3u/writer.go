package m3u

import (
	"bufio"
	"io"
	"strings"
)

var (
	valueEscaper = strings.NewReplacer(
		"&", "&amp;",
		`"`, "&quot;",
		"\r", "&#13;",
		"\n", "&#10;",
	)
	nameCleaner = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")
)

// Escape makes s safe inside a double-quoted attribute value.
func Escape(s string) string {
	return valueEscaper.Replace(s)
}

// Writer serializes playlist lines.
type Writer struct {
	w *bufio.Writer
}

// NewWriter returns a Writer that writes to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteHeader writes the #EXTM3U line with optional attributes.
func (w *Writer) WriteHeader(attrs ...Attr) {
	w.w.WriteString("#EXTM3U")
	w.writeAttrs(attrs)
	w.w.WriteByte('\n')
}

// WriteEntry writes the #EXTINF metadata line followed by the URL line.
func (w *Writer) WriteEntry(e Entry) {
	duration := e.Duration
	if duration == "" {
		duration = "-1"
	}

	w.w.WriteString("#EXTINF:")
	w.w.WriteString(duration)
	w.writeAttrs(e.Attrs)
	w.w.WriteByte(',')
	w.w.WriteString(nameCleaner.Replace(e.Name))
	w.w.WriteByte('\n')
	w.w.WriteString(e.URL)
	w.w.WriteByte('\n')
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

func (w *Writer) writeAttrs(attrs []Attr) {
	for _, a := range attrs {
		w.w.WriteByte(' ')
		w.w.WriteString(a.Key)
		w.w.WriteString(`="`)
		w.w.WriteString(Escape(a.Value))
		w.w.WriteByte('"')
	}
}
