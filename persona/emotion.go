package persona

import (
	"strings"
	"unicode"
)

// emotionRule 一条情绪关键词规则
type emotionRule struct {
	emotion  Emotion
	keywords map[string]struct{}
}

func newRule(e Emotion, words ...string) emotionRule {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return emotionRule{emotion: e, keywords: set}
}

// emotionRules 按优先级排列：多个标签同时命中时取靠前者
var emotionRules = []emotionRule{
	newRule(Angry, "angry", "anger", "mad", "furious", "rage", "raging", "outraged", "frustrated"),
	newRule(Inspired, "excited", "excitement", "exciting", "amazing", "breakthrough", "discovery",
		"inspired", "inspiring", "enthusiastic", "enthusiasm"),
	newRule(Reflective, "thinking", "contemplating", "contemplative", "wondering", "pondering",
		"reflective", "reflecting", "thoughtful"),
	newRule(Relief, "accomplished", "finished", "relief", "relieved", "peaceful", "satisfied"),
}

// ClassifyEmotion 基于关键词的确定性情绪分类，无命中时返回 Neutral
func ClassifyEmotion(prompt string) Emotion {
	tokens := tokenize(prompt)
	if len(tokens) == 0 {
		return Neutral
	}
	for _, rule := range emotionRules {
		for _, tok := range tokens {
			if _, ok := rule.keywords[tok]; ok {
				return rule.emotion
			}
		}
	}
	return Neutral
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
