package safety

import (
	"fmt"
	"time"

	"post_bot/internal/poster/models"
)

// Check 单项安全检查
type Check struct {
	Name string
	Run  func(text string) (passed bool, reason string)
}

// Verdict 安全检查总结果
type Verdict struct {
	Passed  bool
	Results []models.CheckResult
}

// FailedChecks 返回未通过的检查
func (v Verdict) FailedChecks() []models.CheckResult {
	var failed []models.CheckResult
	for _, r := range v.Results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

// Gate 安全门：对文本执行全部检查，不短路
type Gate struct {
	checks  []Check
	nowFunc func() time.Time
}

// GateOption Gate 可选配置
type GateOption func(*Gate)

// WithClock 替换时间来源
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		g.nowFunc = now
	}
}

// WithCheck 追加一项检查
func WithCheck(check Check) GateOption {
	return func(g *Gate) {
		g.checks = append(g.checks, check)
	}
}

// NewGate 基于规则创建安全门
func NewGate(rules Rules, opts ...GateOption) *Gate {
	rules = rules.normalized()
	g := &Gate{
		checks: []Check{
			{Name: CheckLength, Run: func(text string) (bool, string) {
				return Length(text, rules.MaxLength)
			}},
			{Name: CheckProfanity, Run: func(text string) (bool, string) {
				return Profanity(text, rules.Profanity)
			}},
			{Name: CheckFinancialAdvice, Run: func(text string) (bool, string) {
				return FinancialAdvice(text, rules.FinancialAdvice)
			}},
			{Name: CheckSuspiciousURL, Run: func(text string) (bool, string) {
				return SuspiciousURL(text, rules.URLShorteners)
			}},
			{Name: CheckToxicity, Run: func(text string) (bool, string) {
				return Toxicity(text, rules.ToxicityKeywords, rules.ToxicityQualifiers)
			}},
		},
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckNames 返回检查名称，顺序与执行顺序一致
func (g *Gate) CheckNames() []string {
	names := make([]string, 0, len(g.checks))
	for _, c := range g.checks {
		names = append(names, c.Name)
	}
	return names
}

// Evaluate 执行所有检查并汇总结果，任一失败则整体不通过
func (g *Gate) Evaluate(text string) Verdict {
	verdict := Verdict{
		Passed:  true,
		Results: make([]models.CheckResult, 0, len(g.checks)),
	}
	for _, check := range g.checks {
		result := g.run(check, text)
		if !result.Passed {
			verdict.Passed = false
		}
		verdict.Results = append(verdict.Results, result)
	}
	return verdict
}

// run 执行单项检查，panic 记为未通过
func (g *Gate) run(check Check, text string) (result models.CheckResult) {
	result = models.CheckResult{
		CheckName: check.Name,
		Timestamp: g.nowFunc().UTC(),
	}
	defer func() {
		if r := recover(); r != nil {
			result.Passed = false
			result.Reason = fmt.Sprintf("check error: %v", r)
		}
	}()

	result.Passed, result.Reason = check.Run(text)
	return result
}
