// Package export renders a transcript as plain text, JSON and Markdown, and
// an optimised transcript next to its original ([BuildComparison]).
//
// [BuildBundle] is pure: the same text and [Metadata] always produce
// byte-identical payloads, because every rendering reads the single
// timestamp carried in the metadata.
package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"
)

// ErrUnknownFormat is returned for format names that cannot be rendered.
var ErrUnknownFormat = errors.New("export: unknown format")

// Format is an export file type.
type Format string

const (
	FormatText     Format = "txt"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "md"
)

// Formats lists every export format in presentation order.
var Formats = []Format{FormatText, FormatJSON, FormatMarkdown}

// ParseFormat accepts a format name or a common alias.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "txt", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	case "report", "comparison":
		return FormatReport, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownFormat, s)
}

// MIME returns the content type of f.
func (f Format) MIME() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatMarkdown, FormatReport:
		return "text/markdown"
	default:
		return "text/plain"
	}
}

// Metadata describes how a transcript was produced.
type Metadata struct {
	ModelName string
	Language  string
	Timestamp time.Time
}

// Statistics are simple counts over a transcript.
//
// Words counts whitespace-delimited tokens. Chinese text has no spaces
// between words, so a filtered transcript usually reports one word per line.
type Statistics struct {
	Characters int `json:"characters"`
	Words      int `json:"words"`
	Lines      int `json:"lines"`
}

// Stats computes [Statistics] for text. Characters are code points and
// lines are newlines plus one.
func Stats(text string) Statistics {
	return Statistics{
		Characters: utf8.RuneCountInString(text),
		Words:      len(strings.Fields(text)),
		Lines:      strings.Count(text, "\n") + 1,
	}
}

// Bundle holds the three renderings of a transcript.
type Bundle struct {
	Text       []byte
	JSON       []byte
	Markdown   []byte
	Statistics Statistics
	Timestamp  time.Time
}

type jsonDocument struct {
	Timestamp     string     `json:"timestamp"`
	Model         string     `json:"model"`
	Language      string     `json:"language"`
	Transcription string     `json:"transcription"`
	Statistics    Statistics `json:"statistics"`
}

var markdownTmpl = template.Must(template.New("markdown").Parse(`# 语音转录结果

**时间**: {{.Time}}
**模型**: {{.Model}}
**语言**: {{.Language}}

## 转录内容

{{.Text}}

## 统计信息

- 字符数: {{.Stats.Characters}}
- 词数: {{.Stats.Words}}
- 行数: {{.Stats.Lines}}
`))

// BuildBundle renders text with meta.
func BuildBundle(text string, meta Metadata) Bundle {
	stats := Stats(text)
	b := Bundle{
		Text:       []byte(text),
		Statistics: stats,
		Timestamp:  meta.Timestamp,
	}

	var js bytes.Buffer
	enc := json.NewEncoder(&js)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	// Encoding a struct of strings and ints cannot fail.
	_ = enc.Encode(jsonDocument{
		Timestamp:     meta.Timestamp.Format(time.RFC3339),
		Model:         meta.ModelName,
		Language:      meta.Language,
		Transcription: text,
		Statistics:    stats,
	})
	b.JSON = bytes.TrimRight(js.Bytes(), "\n")

	var md bytes.Buffer
	_ = markdownTmpl.Execute(&md, struct {
		Time, Model, Language, Text string
		Stats                       Statistics
	}{
		Time:     meta.Timestamp.Format(time.DateTime),
		Model:    meta.ModelName,
		Language: meta.Language,
		Text:     text,
		Stats:    stats,
	})
	b.Markdown = md.Bytes()
	return b
}

// FileName suggests a download name such as transcription_20240102_150405.md.
func (b Bundle) FileName(f Format) string {
	return "transcription_" + b.Timestamp.Format("20060102_150405") + "." + string(f)
}

// Payload returns the rendering for f with its MIME type and file name.
func (b Bundle) Payload(f Format) (data []byte, mime, filename string, err error) {
	switch f {
	case FormatText:
		data = b.Text
	case FormatJSON:
		data = b.JSON
	case FormatMarkdown:
		data = b.Markdown
	default:
		return nil, "", "", fmt.Errorf("%w %q", ErrUnknownFormat, f)
	}
	return data, f.MIME(), b.FileName(f), nil
}

// WriteDir writes every rendering into dir and returns the written paths.
func (b Bundle) WriteDir(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create %q: %w", dir, err)
	}
	paths := make([]string, 0, len(Formats))
	for _, f := range Formats {
		data, _, name, _ := b.Payload(f)
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, fmt.Errorf("export: write %q: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
