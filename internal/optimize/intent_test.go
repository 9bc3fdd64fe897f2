package optimize_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/tingxie/internal/optimize"
)

func TestBuildPrompt(t *testing.T) {
	t.Parallel()
	const text = "原文"
	tests := []struct {
		intent optimize.Intent
		want   string
	}{
		{optimize.IntentGrammar, "请纠正以下中文文本中的语法错误，保持原意不变，确保符合中文语法规范：\n\n原文"},
		{optimize.IntentPunctuation, "请为以下中文文本添加正确的中文标点符号（如句号、逗号、问号等）：\n\n原文"},
		{optimize.IntentPolish, "请润色以下中文文本，使其更加流畅自然，符合中文表达习惯：\n\n原文"},
		{optimize.IntentFormat, "请整理以下中文文本的格式，使其更加规范，保持中文排版特点：\n\n原文"},
		{optimize.IntentGeneral, "请优化以下中文文本，使其更加准确和流畅：\n\n原文"},
		{"something-else", "请优化以下中文文本，使其更加准确和流畅：\n\n原文"},
	}
	for _, tc := range tests {
		got, err := optimize.BuildPrompt(tc.intent, "", text)
		if err != nil {
			t.Errorf("BuildPrompt(%q): %v", tc.intent, err)
			continue
		}
		if got != optimize.LanguageConstraint+tc.want {
			t.Errorf("BuildPrompt(%q) = %q", tc.intent, got)
		}
	}
}

func TestBuildPrompt_Custom(t *testing.T) {
	t.Parallel()
	got, err := optimize.BuildPrompt(optimize.IntentCustom, "请把文本改写成诗歌。", "原文")
	if err != nil {
		t.Fatalf("BuildPrompt: %v", err)
	}
	if want := optimize.LanguageConstraint + "请把文本改写成诗歌。\n\n原文"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if _, err := optimize.BuildPrompt(optimize.IntentCustom, "", "原文"); !errors.Is(err, optimize.ErrValidation) {
		t.Errorf("empty instruction err = %v, want ErrValidation", err)
	}
}

func TestBuildPrompt_Translate(t *testing.T) {
	t.Parallel()
	got, err := optimize.BuildPrompt(optimize.IntentTranslate, "", "你好世界")
	if err != nil {
		t.Fatalf("BuildPrompt: %v", err)
	}
	if got != "Translate to English: 你好世界" {
		t.Errorf("got %q", got)
	}
	if strings.Contains(got, optimize.LanguageConstraint) {
		t.Error("translation prompt carries the Chinese-output constraint")
	}
	if optimize.IntentTranslate.SystemPrompt() == optimize.SystemPrompt {
		t.Error("translation uses the Chinese system prompt")
	}
	if optimize.IntentPolish.SystemPrompt() != optimize.SystemPrompt {
		t.Error("polish should use the Chinese system prompt")
	}
}

func TestIntent_Label(t *testing.T) {
	t.Parallel()
	tests := map[optimize.Intent]string{
		optimize.IntentPolish:    "文本润色",
		optimize.IntentTranslate: "翻译为英文",
		optimize.IntentGeneral:   "通用优化",
	}
	for in, want := range tests {
		if got := in.Label(); got != want {
			t.Errorf("%q.Label() = %q, want %q", in, got, want)
		}
	}
}

func TestParseIntent(t *testing.T) {
	t.Parallel()
	tests := map[string]optimize.Intent{
		"grammar":     optimize.IntentGrammar,
		"Punctuation": optimize.IntentPunctuation,
		" polish ":    optimize.IntentPolish,
		"format":      optimize.IntentFormat,
		"custom":      optimize.IntentCustom,
		"语法纠错":        optimize.IntentGrammar,
		"标点符号优化":      optimize.IntentPunctuation,
		"文本润色":        optimize.IntentPolish,
		"格式整理":        optimize.IntentFormat,
		"自定义提示":       optimize.IntentCustom,
		"翻译为英文":       optimize.IntentTranslate,
		"Translate":   optimize.IntentTranslate,
		"":            optimize.IntentGeneral,
		"summarize":   optimize.IntentGeneral,
	}
	for in, want := range tests {
		if got := optimize.ParseIntent(in); got != want {
			t.Errorf("ParseIntent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProviders_TableIsComplete(t *testing.T) {
	t.Parallel()
	ps := optimize.Providers()
	if len(ps) != 5 {
		t.Fatalf("got %d providers, want 5", len(ps))
	}
	for _, p := range ps {
		if p.BaseURL == "" || p.DefaultModel() == "" || p.DisplayName == "" {
			t.Errorf("provider %q is incomplete: %+v", p.ID, p)
		}
		if strings.HasSuffix(p.BaseURL, "/") {
			t.Errorf("provider %q base URL has a trailing slash", p.ID)
		}
	}
	if p, ok := optimize.LookupProvider("OpenAI"); !ok || p.ID != optimize.ProviderOpenAI {
		t.Error("LookupProvider should ignore case")
	}
	if p, _ := optimize.LookupProvider(optimize.ProviderLocal); p.NeedsKey {
		t.Error("local provider should not need a key")
	}
}
