// Package textutil holds the pure text primitives shared by ingestion,
// indexing, and retrieval: whitespace normalization, bigram Dice similarity,
// the key/value conflict pattern, tag tokenization, and entity key building.
package textutil

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

var whitespaceRE = regexp.MustCompile(`\s+`)

// Normalize collapses all runs of whitespace to a single space and trims.
func Normalize(s string) string {
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " "))
}

// HashContent returns the hex SHA-256 of its parts joined with a unit
// separator, used as the staleness fingerprint by the vector and KG indexers.
func HashContent(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DiceSimilarity computes the bigram (2-gram) Dice coefficient over the two
// strings. Inputs are expected to be normalized already. Strings shorter than
// two runes compare by equality.
func DiceSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) < 2 || len(rb) < 2 {
		return 0
	}
	counts := make(map[string]int, len(ra))
	for i := 0; i < len(ra)-1; i++ {
		counts[string(ra[i:i+2])]++
	}
	overlap := 0
	for i := 0; i < len(rb)-1; i++ {
		g := string(rb[i : i+2])
		if counts[g] > 0 {
			counts[g]--
			overlap++
		}
	}
	total := len(ra) - 1 + len(rb) - 1
	return 2 * float64(overlap) / float64(total)
}

// keyValueRE matches a leading "key: value", "key=value", or "key是value"
// pattern. The key is intentionally short; sprawling matches are noise.
var keyValueRE = regexp.MustCompile(`^\s*([^:：=是\s][^:：=是]{0,23}?)\s*(?::|：|=|是)\s*(\S.*)$`)

// ExtractKeyValue pulls the (key, value) pair out of a note if it follows the
// narrow key/value shape. ok is false when the text has no such shape.
func ExtractKeyValue(s string) (key, value string, ok bool) {
	m := keyValueRE.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
}

// stopwords filters tag candidates. Mixed Latin and CJK function words.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "you": {},
	"not": {}, "with": {}, "this": {}, "that": {}, "have": {}, "from": {},
	"什么": {}, "怎么": {}, "没有": {}, "我们": {}, "你们": {}, "他们": {},
	"一个": {}, "这个": {}, "那个": {}, "就是": {}, "可以": {}, "因为": {},
	"所以": {}, "但是": {}, "然后": {}, "还是": {}, "现在": {}, "时候": {},
	"知道": {}, "觉得": {}, "自己": {}, "不是": {}, "如果": {}, "这样": {},
}

func isStopword(s string) bool {
	_, ok := stopwords[s]
	return ok
}

// IsCJK reports whether r belongs to a script written without word
// separators (Han, kana, Hangul).
func IsCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// SegmentForIndex rewrites s so that every CJK rune becomes its own
// whitespace-delimited token while the rest of the text passes through
// unchanged. The full-text index stores this segmented shadow, which lets a
// unicode61 tokenizer match individual CJK characters.
func SegmentForIndex(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if IsCJK(r) {
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ExtractTags tokenizes content into tags: Latin/alnum tokens of at least two
// characters (lowercased), and for CJK runs sliding n-grams preferring length
// 4, then 3, then 2 at each window. Stopwords are dropped and the result is
// deduplicated in first-seen order, capped at max (<=0 means no cap).
func ExtractTags(content string, max int) []string {
	var tags []string
	seen := make(map[string]struct{})
	add := func(t string) bool {
		if isStopword(t) {
			return false
		}
		if _, dup := seen[t]; dup {
			return false
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
		return max > 0 && len(tags) >= max
	}

	var latin []rune
	var cjk []rune
	flushLatin := func() bool {
		if len(latin) >= 2 {
			if add(strings.ToLower(string(latin))) {
				return true
			}
		}
		latin = latin[:0]
		return false
	}
	flushCJK := func() bool {
		run := cjk
		cjk = nil
		for i := 0; i < len(run); i++ {
			for _, n := range []int{4, 3, 2} {
				if i+n > len(run) {
					continue
				}
				cand := string(run[i : i+n])
				if isStopword(cand) {
					continue
				}
				if add(cand) {
					return true
				}
				break
			}
		}
		return false
	}

	for _, r := range content {
		switch {
		case IsCJK(r):
			if flushLatin() {
				return tags
			}
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			if flushCJK() {
				return tags
			}
			latin = append(latin, r)
		default:
			if flushLatin() || flushCJK() {
				return tags
			}
		}
	}
	if flushLatin() || flushCJK() {
		return tags
	}
	return tags
}

// EntityKey normalizes an entity name into its dedup key: whitespace and
// punctuation stripped, Latin letters lowercased.
func EntityKey(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// fillerRE strips interrogative and temporal filler from a query before the
// substring fallback scan.
var fillerRE = regexp.MustCompile(`(?i)(说了什么|说过什么|说什么|记得吗|是什么|什么时候|有没有|告诉我|我说过|你说过|昨天|今天|前天|早上|上午|中午|下午|晚上|凌晨|what did i say|what did you say|do you remember|tell me about|when did|what about|[?？!！。，,.])`)

// ExtractKeyword reduces a free-text query to its densest content keyword for
// the LIKE fallback. Returns "" when nothing meaningful survives.
func ExtractKeyword(query string) string {
	s := fillerRE.ReplaceAllString(query, " ")
	s = Normalize(s)
	if s == "" {
		return ""
	}
	// Longest whitespace-separated field wins; ties go to the earlier one.
	best := ""
	for _, f := range strings.Fields(s) {
		if len([]rune(f)) > len([]rune(best)) {
			best = f
		}
	}
	if len([]rune(best)) < 2 {
		return ""
	}
	return best
}
