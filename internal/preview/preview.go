// Package preview renders in-browser previews of disk files: archive
// listings, media players, Markdown and highlighted source code.
package preview

import (
	"bytes"
	"fmt"
	"html"
	"path"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
)

// Kind is how a file is previewed.
type Kind int

const (
	Unsupported Kind = iota
	Zip
	Tar
	Video
	Audio
	JSON
	Markdown
	Code
	Raw
)

var kinds = map[string]Kind{
	"zip": Zip,
	"tar": Tar, "gz": Tar, "bz2": Tar, "tgz": Tar, "z": Tar,
	"mp4": Video, "mkv": Video, "flv": Video, "mov": Video,
	"mp3": Audio, "flac": Audio, "ogg": Audio, "amr": Audio, "wav": Audio, "m4a": Audio,
	"json": JSON,
	"md":   Markdown, "markdown": Markdown,
	"jpeg": Raw, "jpg": Raw, "png": Raw, "gif": Raw, "bmp": Raw, "webp": Raw,
	"svg": Raw, "tif": Raw, "ai": Raw, "ico": Raw, "exif": Raw, "pdf": Raw,
}

var codeSuffixes = strings.Fields(`py sh cu h hpp c cpp vue php js ts tsx css
	html less scss pig java go ini conf txt toml vim lrc m3u cfg log lua rb yml
	yaml pem key xml repo`)

func init() {
	for _, s := range codeSuffixes {
		if _, ok := kinds[s]; !ok {
			kinds[s] = Code
		}
	}
}

// Classify returns the preview kind for a file name.
func Classify(name string) Kind {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	return kinds[ext]
}

var (
	markdownOnce sync.Once
	markdownMD   goldmark.Markdown
)

func markdownParser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownMD = goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				extension.DefinitionList,
				extension.Footnote,
			),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		)
	})
	return markdownMD
}

// RenderMarkdown converts Markdown source into an HTML page.
func RenderMarkdown(src []byte) (string, error) {
	var buf bytes.Buffer
	if err := markdownParser().Convert(src, &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return Page(buf.String(), 20, "#fff"), nil
}

// RenderCode highlights source as an HTML page, choosing the lexer from
// the file name and falling back to plain text.
func RenderCode(name string, src []byte) (string, error) {
	lexer := lexers.Match(name)
	if lexer == nil {
		lexer = lexers.Analyse(string(src))
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := styles.Get("monokai")
	formatter := chromahtml.New(chromahtml.WithLineNumbers(false), chromahtml.TabWidth(4))
	it, err := lexer.Tokenise(nil, string(src))
	if err != nil {
		return "", fmt.Errorf("tokenise %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, it); err != nil {
		return "", fmt.Errorf("format %s: %w", name, err)
	}
	return Page(buf.String(), 0, "#272822"), nil
}

// RenderVideo returns a player page for the media at src.
func RenderVideo(src string) string {
	return Page(fmt.Sprintf(`<video style="display:block;margin:0 auto;max-width:100%%" controls autoplay src="%s"></video>`,
		html.EscapeString(src)), 0, "#000")
}

// RenderAudio returns a player page for the audio at src.
func RenderAudio(src string) string {
	return Page(fmt.Sprintf(`<audio style="display:block;margin:20px auto" controls><source src="%s"></audio>`,
		html.EscapeString(src)), 0, "#fff")
}

// Page wraps body in a minimal HTML document.
func Page(body string, padding int, background string) string {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html><html><head><meta charset="utf-8">`)
	b.WriteString(`<style>img{margin:10px auto;max-width:100%}pre{margin:0;padding:10px;overflow:auto}</style>`)
	fmt.Fprintf(&b, `</head><body style="padding:%dpx;margin:0;background:%s;">`, padding, background)
	b.WriteString(body)
	b.WriteString(`</body></html>`)
	return b.String()
}
