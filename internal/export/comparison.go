package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"
)

// FormatReport is the side-by-side comparison report of an optimisation.
// Only a [Comparison] renders it.
const FormatReport Format = "report"

// ComparisonFormats lists the renderings of a [Comparison].
var ComparisonFormats = []Format{FormatText, FormatJSON, FormatMarkdown, FormatReport}

// ComparisonMetadata describes how an optimised text was produced.
type ComparisonMetadata struct {
	// Provider is the display name of the completion service.
	Provider string
	// Intent is the label of the requested rewrite, e.g. "文本润色".
	Intent    string
	Timestamp time.Time
}

// Comparison holds the renderings of an original transcript next to its
// optimised version.
type Comparison struct {
	Text      []byte
	JSON      []byte
	Markdown  []byte
	Report    []byte
	Original  Statistics
	Optimized Statistics
	Timestamp time.Time
}

type comparisonDocument struct {
	OriginalText     string `json:"original_text"`
	OptimizedText    string `json:"optimized_text"`
	AIProvider       string `json:"ai_provider"`
	OptimizationType string `json:"optimization_type"`
	Timestamp        string `json:"timestamp"`
	Statistics       struct {
		Original  Statistics `json:"original"`
		Optimized Statistics `json:"optimized"`
	} `json:"statistics"`
}

type comparisonView struct {
	Time, Provider, Intent string
	Original, Optimized    string
	Before, After          Statistics
}

func (v comparisonView) CharDelta() string { return fmt.Sprintf("%+d", v.After.Characters-v.Before.Characters) }
func (v comparisonView) WordDelta() string { return fmt.Sprintf("%+d", v.After.Words-v.Before.Words) }

var optimizedTmpl = template.Must(template.New("optimized").Parse(`# AI文本优化结果

## 优化信息
- **AI服务商**: {{.Provider}}
- **优化类型**: {{.Intent}}
- **时间**: {{.Time}}

## 原始文本
{{.Original}}

## 优化后文本
{{.Optimized}}

## 统计对比
- **原始**: {{.Before.Characters}}字符, {{.Before.Words}}词
- **优化后**: {{.After.Characters}}字符, {{.After.Words}}词
`))

var reportTmpl = template.Must(template.New("report").Parse("# 文本优化对比报告\n\n" +
	"## 基本信息\n" +
	"- **优化时间**: {{.Time}}\n" +
	"- **AI服务商**: {{.Provider}}\n" +
	"- **优化类型**: {{.Intent}}\n\n" +
	"## 文本统计对比\n" +
	"| 项目 | 原始文本 | 优化后文本 | 变化 |\n" +
	"|------|----------|------------|------|\n" +
	"| 字符数 | {{.Before.Characters}} | {{.After.Characters}} | {{.CharDelta}} |\n" +
	"| 词数 | {{.Before.Words}} | {{.After.Words}} | {{.WordDelta}} |\n\n" +
	"## 详细内容\n\n" +
	"### 原始文本\n```\n{{.Original}}\n```\n\n" +
	"### 优化后文本\n```\n{{.Optimized}}\n```\n"))

// BuildComparison renders original and optimized with meta. Like
// [BuildBundle] it is pure.
func BuildComparison(original, optimized string, meta ComparisonMetadata) Comparison {
	c := Comparison{
		Text:      []byte(optimized),
		Original:  Stats(original),
		Optimized: Stats(optimized),
		Timestamp: meta.Timestamp,
	}

	doc := comparisonDocument{
		OriginalText:     original,
		OptimizedText:    optimized,
		AIProvider:       meta.Provider,
		OptimizationType: meta.Intent,
		Timestamp:        meta.Timestamp.Format(time.RFC3339),
	}
	doc.Statistics.Original = c.Original
	doc.Statistics.Optimized = c.Optimized
	var js bytes.Buffer
	enc := json.NewEncoder(&js)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	_ = enc.Encode(doc)
	c.JSON = bytes.TrimRight(js.Bytes(), "\n")

	view := comparisonView{
		Time:      meta.Timestamp.Format(time.DateTime),
		Provider:  meta.Provider,
		Intent:    meta.Intent,
		Original:  original,
		Optimized: optimized,
		Before:    c.Original,
		After:     c.Optimized,
	}
	var md, report bytes.Buffer
	_ = optimizedTmpl.Execute(&md, view)
	_ = reportTmpl.Execute(&report, view)
	c.Markdown = md.Bytes()
	c.Report = report.Bytes()
	return c
}

// FileName suggests a download name such as optimized_20240102_150405.json
// or comparison_20240102_150405.md for the report.
func (c Comparison) FileName(f Format) string {
	ts := c.Timestamp.Format("20060102_150405")
	if f == FormatReport {
		return "comparison_" + ts + ".md"
	}
	return "optimized_" + ts + "." + string(f)
}

// Payload returns the rendering for f with its MIME type and file name.
func (c Comparison) Payload(f Format) (data []byte, mime, filename string, err error) {
	switch f {
	case FormatText:
		data = c.Text
	case FormatJSON:
		data = c.JSON
	case FormatMarkdown:
		data = c.Markdown
	case FormatReport:
		data = c.Report
	default:
		return nil, "", "", fmt.Errorf("%w %q", ErrUnknownFormat, f)
	}
	return data, f.MIME(), c.FileName(f), nil
}

// WriteDir writes every rendering into dir and returns the written paths.
func (c Comparison) WriteDir(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create %q: %w", dir, err)
	}
	paths := make([]string, 0, len(ComparisonFormats))
	for _, f := range ComparisonFormats {
		data, _, name, _ := c.Payload(f)
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, fmt.Errorf("export: write %q: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
