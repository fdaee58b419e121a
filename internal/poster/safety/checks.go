package safety

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// 检查名称
const (
	CheckLength          = "length"
	CheckProfanity       = "profanity"
	CheckFinancialAdvice = "financial_advice"
	CheckSuspiciousURL   = "suspicious_url"
	CheckToxicity        = "toxicity"
)

var urlPattern = regexp.MustCompile(`(?i)(?:https?://)?(?:[a-z0-9-]+\.)+[a-z]{2,}(?::\d+)?(?:/[^\s]*)?`)

// normalize NFKC 归一化后做完整大小写折叠
// cases.Caser 有状态，每次调用重新创建
func normalize(text string) string {
	return cases.Fold().String(norm.NFKC.String(text))
}

// Length 超过 limit 个字符时不通过
func Length(text string, limit int) (bool, string) {
	n := utf8.RuneCountInString(text)
	if n <= limit {
		return true, ""
	}
	return false, fmt.Sprintf("text is %d chars, max %d allowed", n, limit)
}

// Profanity 包含任一敏感词（大小写不敏感子串匹配）时不通过
// 文本与词表都经 normalize 处理，词表无需预先归一化
func Profanity(text string, words []string) (bool, string) {
	found := containsAny(normalize(text), words)
	if len(found) == 0 {
		return true, ""
	}
	return false, "found profanity: " + strings.Join(found, ", ")
}

// FinancialAdvice 包含任一投资建议短语时不通过
func FinancialAdvice(text string, phrases []string) (bool, string) {
	found := containsAny(normalize(text), phrases)
	if len(found) == 0 {
		return true, ""
	}
	return false, "found financial advice phrases: " + strings.Join(found, ", ")
}

// SuspiciousURL 链接主机命中短链黑名单（含子域名）时不通过
func SuspiciousURL(text string, denyHosts []string) (bool, string) {
	var suspicious []string
	for _, raw := range urlPattern.FindAllString(text, -1) {
		host := urlHost(raw)
		if host == "" {
			continue
		}
		for _, deny := range denyHosts {
			deny = strings.TrimPrefix(normalize(strings.TrimSpace(deny)), "www.")
			if deny == "" {
				continue
			}
			if host == deny || strings.HasSuffix(host, "."+deny) {
				suspicious = append(suspicious, raw)
				break
			}
		}
	}
	if len(suspicious) == 0 {
		return true, ""
	}
	return false, "found suspicious urls: " + strings.Join(suspicious, ", ")
}

func urlHost(raw string) string {
	candidate := raw
	lower := strings.ToLower(candidate)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		candidate = "http://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// Toxicity 出现指控类关键词但全文没有任何限定语时不通过
// 这是可解释的占位启发式规则，不是分类模型
func Toxicity(text string, keywords, qualifiers []string) (bool, string) {
	normalized := normalize(text)

	var accusations []string
	for _, kw := range keywords {
		kw = normalize(strings.TrimSpace(kw))
		if containsWord(normalized, kw) {
			accusations = append(accusations, kw)
		}
	}
	if len(accusations) == 0 {
		return true, ""
	}

	for _, q := range qualifiers {
		if containsWord(normalized, normalize(strings.TrimSpace(q))) {
			return true, ""
		}
	}
	return false, "accusation without qualifier: " + strings.Join(accusations, ", ")
}

func containsAny(normalized string, needles []string) []string {
	var found []string
	for _, needle := range needles {
		needle = normalize(strings.TrimSpace(needle))
		if needle != "" && strings.Contains(normalized, needle) {
			found = append(found, needle)
		}
	}
	return found
}

// containsWord 按词边界匹配关键词或短语
func containsWord(normalized, word string) bool {
	if word == "" {
		return false
	}
	for start := 0; start < len(normalized); {
		idx := strings.Index(normalized[start:], word)
		if idx < 0 {
			return false
		}
		begin := start + idx
		end := begin + len(word)
		if isBoundary(normalized, begin-1, true) && isBoundary(normalized, end, false) {
			return true
		}
		_, size := utf8.DecodeRuneInString(normalized[begin:])
		start = begin + size
	}
	return false
}

func isBoundary(s string, i int, before bool) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	var r rune
	if before {
		r, _ = utf8.DecodeLastRuneInString(s[:i+1])
	} else {
		r, _ = utf8.DecodeRuneInString(s[i:])
	}
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
