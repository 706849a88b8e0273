// Package textnorm 提供跨来源文本比较所需的折叠函数。
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "`", "'", "\u00a0", " ")

// Fold 小写、去重音并压缩空白，用于不区分大小写与重音的匹配。
func Fold(s string) string {
	s = apostrophes.Replace(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// Contains 判断 needle 折叠后是否为 haystack 折叠后的子串，空 needle 返回 false。
func Contains(haystack, needle string) bool {
	n := Fold(needle)
	if n == "" {
		return false
	}
	return strings.Contains(Fold(haystack), n)
}

// Equal 折叠后比较。
func Equal(a, b string) bool {
	return Fold(a) == Fold(b)
}
