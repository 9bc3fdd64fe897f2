package filter_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/tingxie/internal/filter"
)

func TestFilter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain chinese", "你好世界", "你好世界"},
		{"tokens joined without spaces", "你好 世界\n今天", "你好世界今天"},
		{"latin tokens dropped", "hello 你好 world 世界", "你好世界"},
		{"mixed token above half kept", "你好a", "你好a"},
		{"mixed token exactly half kept", "你a", "你a"},
		{"mixed token exactly half long enough", "你好ab", "你好ab"},
		{"mixed token below half dropped", "你abc 世界", "世界"},
		{"kana removed before ratio", "こんにちは你好", "你好"},
		{"katakana token vanishes", "カタカナ 中文", "中文"},
		{"hangul removed", "안녕 你好吗", "你好吗"},
		{"thai and devanagari removed", "สวัสดี नमस्ते 谢谢", "谢谢"},
		{"chinese punctuation counts", "你好，世界。", "你好，世界。"},
		{"full-width forms count", "ＡＢ", "ＡＢ"},
		{"ideographic space splits tokens", "你好　世界", "你好世界"},
		{"single character is too short", "好", ""},
		{"target punctuation alone is content", "，。", "，。"},
		{"latin only", "the quick brown fox", ""},
		{"digits only", "12345", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := filter.Filter(tc.in); got != tc.want {
				t.Errorf("Filter(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFilter_Idempotent(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"",
		"你好 世界",
		"hello 你好a world",
		"今天 天气 很好 ok 吗？",
		"こんにちは 你好 안녕",
		"你abc 世界 ab你好",
		"a",
		"你",
		"  空格  很多   的  文本  ",
		"ＡＢＣ　全角",
	}
	for _, in := range inputs {
		once := filter.Filter(in)
		if twice := filter.Filter(once); twice != once {
			t.Errorf("Filter not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestFilter_FixedPoints(t *testing.T) {
	t.Parallel()
	// Whitespace-free strings made only of target-script characters and at
	// least two code points long are returned unchanged.
	for _, s := range []string{"你好", "中华人民共和国", "今天天气很好。", "「引用」", "㐀㐁", "豈更"} {
		if got := filter.Filter(s); got != s {
			t.Errorf("Filter(%q) = %q, want unchanged", s, got)
		}
	}
}

func TestFilter_OutputHasNoWhitespaceOrForeignScript(t *testing.T) {
	t.Parallel()
	in := "第一句 話 ひらがな\t第二句\n 한국어 ไทย हिन्दी   結束"
	out := filter.Filter(in)
	if out == "" {
		t.Fatal("expected content to survive")
	}
	if strings.ContainsFunc(out, func(r rune) bool { return filter.IsForeign(r) || r == ' ' || r == '\t' || r == '\n' }) {
		t.Errorf("output %q still contains whitespace or foreign script", out)
	}
}

func TestIsTarget(t *testing.T) {
	t.Parallel()
	for _, r := range []rune{'中', '㐀', '豈', '。', '，', 'Ａ', '　'} {
		if !filter.IsTarget(r) {
			t.Errorf("IsTarget(%q) = false", r)
		}
	}
	for _, r := range []rune{'a', '1', 'あ', 'ア', '한', 'ก', 'क', ' '} {
		if filter.IsTarget(r) {
			t.Errorf("IsTarget(%q) = true", r)
		}
	}
}
