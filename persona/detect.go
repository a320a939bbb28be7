package persona

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

type nameMatch struct {
	index      int // catalog position
	start, end int
}

// DetectPersonas 返回 prompt 中提到的人设，按目录顺序排列、去重.
//
// 名称与别名做大小写不敏感的整词匹配。两个候选在 prompt 中的位置重叠时
// 保留更长的名称（如 "Alex Kim" 优先于 "Alex"），长度相同时目录靠前者优先.
func DetectPersonas(prompt string, catalog []Persona) []Persona {
	lower := strings.ToLower(prompt)
	if strings.TrimSpace(lower) == "" || len(catalog) == 0 {
		return nil
	}

	var candidates []nameMatch
	for i := range catalog {
		for _, name := range catalog[i].Names() {
			for _, span := range findWholeWord(lower, strings.ToLower(name)) {
				candidates = append(candidates, nameMatch{index: i, start: span[0], end: span[1]})
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		la := candidates[a].end - candidates[a].start
		lb := candidates[b].end - candidates[b].start
		if la != lb {
			return la > lb
		}
		if candidates[a].index != candidates[b].index {
			return candidates[a].index < candidates[b].index
		}
		return candidates[a].start < candidates[b].start
	})

	var accepted []nameMatch
	hit := make(map[int]bool)
	for _, c := range candidates {
		overlaps := false
		for _, a := range accepted {
			if c.start < a.end && a.start < c.end {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}
		accepted = append(accepted, c)
		hit[c.index] = true
	}

	out := make([]Persona, 0, len(hit))
	for i := range catalog {
		if hit[i] {
			out = append(out, catalog[i])
		}
	}
	return out
}

// findWholeWord 返回 needle 在 haystack 中所有整词出现位置的字节区间
func findWholeWord(haystack, needle string) [][2]int {
	if needle == "" {
		return nil
	}
	var spans [][2]int
	offset := 0
	for {
		idx := strings.Index(haystack[offset:], needle)
		if idx < 0 {
			return spans
		}
		start := offset + idx
		end := start + len(needle)
		if isBoundaryBefore(haystack, start) && isBoundaryAfter(haystack, end) {
			spans = append(spans, [2]int{start, end})
		}
		_, size := utf8.DecodeRuneInString(haystack[start:])
		offset = start + size
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r) || r == '_'
}

func isBoundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func isBoundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}
