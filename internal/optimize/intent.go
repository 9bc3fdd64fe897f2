package optimize

import (
	"fmt"
	"strings"
)

// Intent selects the rewrite the provider is asked to perform.
type Intent string

const (
	IntentGrammar     Intent = "grammar"
	IntentPunctuation Intent = "punctuation"
	IntentPolish      Intent = "polish"
	IntentFormat      Intent = "format"
	IntentCustom      Intent = "custom"
	// IntentTranslate asks for an English translation. It is the only
	// intent whose answer is not Chinese.
	IntentTranslate Intent = "translate"
	// IntentGeneral is used for any unrecognised intent.
	IntentGeneral Intent = "general"
)

// LanguageConstraint prefixes every Chinese-output prompt so the answer
// stays in Chinese.
const LanguageConstraint = "请用中文回复，保持文本的中文特色和表达习惯。"

const (
	// TranslatePrompt prefixes the text for [IntentTranslate].
	TranslatePrompt = "Translate to English: "

	// TranslateSystemPrompt replaces [SystemPrompt] for [IntentTranslate].
	TranslateSystemPrompt = "You are a professional Chinese to English translator. Reply with the English translation only."
)

var intentPrompts = map[Intent]string{
	IntentGrammar:     "请纠正以下中文文本中的语法错误，保持原意不变，确保符合中文语法规范：",
	IntentPunctuation: "请为以下中文文本添加正确的中文标点符号（如句号、逗号、问号等）：",
	IntentPolish:      "请润色以下中文文本，使其更加流畅自然，符合中文表达习惯：",
	IntentFormat:      "请整理以下中文文本的格式，使其更加规范，保持中文排版特点：",
	IntentGeneral:     "请优化以下中文文本，使其更加准确和流畅：",
}

// intentLabels maps the Chinese menu labels to intents.
var intentLabels = map[string]Intent{
	"语法纠错":   IntentGrammar,
	"标点符号优化": IntentPunctuation,
	"文本润色":   IntentPolish,
	"格式整理":   IntentFormat,
	"自定义提示":  IntentCustom,
	"翻译为英文":  IntentTranslate,
}

// Label returns the Chinese menu label of in, as used in export documents.
func (in Intent) Label() string {
	for label, v := range intentLabels {
		if v == in {
			return label
		}
	}
	return "通用优化"
}

// SystemPrompt returns the system message sent with in.
func (in Intent) SystemPrompt() string {
	if in == IntentTranslate {
		return TranslateSystemPrompt
	}
	return SystemPrompt
}

// ParseIntent accepts an intent name or its Chinese label. Unknown values
// map to [IntentGeneral].
func ParseIntent(s string) Intent {
	s = strings.TrimSpace(s)
	if in, ok := intentLabels[s]; ok {
		return in
	}
	in := Intent(strings.ToLower(s))
	if in == IntentCustom || in == IntentTranslate {
		return in
	}
	if _, ok := intentPrompts[in]; ok {
		return in
	}
	return IntentGeneral
}

// BuildPrompt renders the user prompt for intent. [IntentCustom] requires a
// non-empty instruction; any other unknown intent falls back to the general
// prompt. [IntentTranslate] carries no Chinese-output constraint.
func BuildPrompt(intent Intent, instruction, text string) (string, error) {
	switch intent {
	case IntentTranslate:
		return TranslatePrompt + text, nil
	case IntentCustom:
		if strings.TrimSpace(instruction) == "" {
			return "", fmt.Errorf("%w: custom intent requires an instruction", ErrValidation)
		}
		return LanguageConstraint + instruction + "\n\n" + text, nil
	}
	tmpl, ok := intentPrompts[intent]
	if !ok {
		tmpl = intentPrompts[IntentGeneral]
	}
	return LanguageConstraint + tmpl + "\n\n" + text, nil
}
