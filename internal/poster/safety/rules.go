package safety

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMaxLength 平台单条内容字符上限
const DefaultMaxLength = 280

// Rules 安全检查的配置数据，关键词列表均为数据而非代码
type Rules struct {
	MaxLength          int      `yaml:"max_length"`
	Profanity          []string `yaml:"profanity"`
	FinancialAdvice    []string `yaml:"financial_advice"`
	URLShorteners      []string `yaml:"url_shorteners"`
	ToxicityKeywords   []string `yaml:"toxicity_keywords"`
	ToxicityQualifiers []string `yaml:"toxicity_qualifiers"`
}

// DefaultRules 内置默认规则
func DefaultRules() Rules {
	return Rules{
		MaxLength: DefaultMaxLength,
		Profanity: []string{
			"badword1", "badword2", "offensive",
		},
		FinancialAdvice: []string{
			"buy now", "sell now", "guaranteed", "sure thing", "investment advice",
			"guaranteed return", "will make you money", "can't lose", "easy profit",
			"to the moon",
		},
		URLShorteners: []string{
			"bit.ly", "tinyurl.com", "short.link", "goo.gl", "ow.ly", "is.gd", "cutt.ly",
		},
		ToxicityKeywords: []string{
			"scam", "rug", "rug pull", "exit scam", "hacked", "stolen",
		},
		ToxicityQualifiers: []string{
			"allegedly", "alleged", "reportedly", "reported", "according to",
		},
	}
}

// LoadRules 从 YAML 文件加载规则，文件中未出现的字段沿用默认值
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if strings.TrimSpace(path) == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read safety rules %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse safety rules %s: %w", path, err)
	}

	if err := rules.Validate(); err != nil {
		return Rules{}, err
	}

	return rules.normalized(), nil
}

// Validate 校验规则
func (r Rules) Validate() error {
	if r.MaxLength <= 0 {
		return fmt.Errorf("safety rules: max_length must be > 0, got %d", r.MaxLength)
	}
	return nil
}

// normalized 预先归一化关键词，去掉空项
func (r Rules) normalized() Rules {
	out := r
	out.Profanity = normalizeList(r.Profanity)
	out.FinancialAdvice = normalizeList(r.FinancialAdvice)
	out.URLShorteners = normalizeList(r.URLShorteners)
	out.ToxicityKeywords = normalizeList(r.ToxicityKeywords)
	out.ToxicityQualifiers = normalizeList(r.ToxicityQualifiers)
	return out
}

func normalizeList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = normalize(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
