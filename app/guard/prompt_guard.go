// Package guard 在扣费前对提示词做受保护 IP 过滤：放行、改写或拒绝。
// 纯函数，无持久化状态。
package guard

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/width"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

const DefaultMaxPromptLength = 320

// Action 过滤结果
type Action string

const (
	ActionAllow   Action = "allow"
	ActionRewrite Action = "rewrite"
	ActionReject  Action = "reject"
)

// ReasonCode 过滤原因
type ReasonCode string

const (
	ReasonNone               ReasonCode = "none"
	ReasonProtectedIPRewrite ReasonCode = "protected_ip_rewrite"
	ReasonProtectedIPReject  ReasonCode = "protected_ip_reject"
)

// RuleSet 规则文件结构
type RuleSet struct {
	Rules               []RuleSpec `yaml:"rules"`
	ReplicationPatterns []string   `yaml:"replication_patterns"`
	FallbackTheme       string     `yaml:"fallback_theme"`
	Disclaimer          string     `yaml:"disclaimer"`
	RejectMessage       string     `yaml:"reject_message"`
	RewriteMessage      string     `yaml:"rewrite_message"`
}

type RuleSpec struct {
	Term      string `yaml:"term"`
	Pattern   string `yaml:"pattern"`
	StyleHint string `yaml:"style_hint"`
}

type rule struct {
	term      string
	pattern   *regexp.Regexp
	styleHint string
}

// Result 过滤结果
type Result struct {
	Action          Action     `json:"action"`
	OriginalPrompt  string     `json:"originalPrompt"`
	EffectivePrompt string     `json:"effectivePrompt"`
	MatchedTerms    []string   `json:"matchedTerms"`
	ReasonCode      ReasonCode `json:"reasonCode"`
	UserMessage     string     `json:"userMessage,omitempty"`
}

// Guard 编译后的规则集，可并发使用；Reload 原子替换规则
type Guard struct {
	current atomic.Pointer[compiled]
}

type compiled struct {
	rules          []rule
	replication    []*regexp.Regexp
	fallbackTheme  string
	disclaimer     string
	rejectMessage  string
	rewriteMessage string
	maxLength      int
}

// LoadRules 读取规则文件；path 为空时使用内置规则
func LoadRules(path string) (*RuleSet, error) {
	data := defaultRulesYAML
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取提示词规则文件失败: %w", err)
		}
		data = raw
	}

	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("解析提示词规则失败: %w", err)
	}
	return &set, nil
}

// New 编译规则集
func New(set *RuleSet, maxLength int) (*Guard, error) {
	c, err := compile(set, maxLength)
	if err != nil {
		return nil, err
	}
	g := &Guard{}
	g.current.Store(c)
	return g, nil
}

// Reload 重新编译并替换规则；编译失败时保留旧规则
func (g *Guard) Reload(set *RuleSet, maxLength int) error {
	c, err := compile(set, maxLength)
	if err != nil {
		return err
	}
	g.current.Store(c)
	return nil
}

// RuleCount 当前生效的规则数量
func (g *Guard) RuleCount() int {
	return len(g.current.Load().rules)
}

func compile(set *RuleSet, maxLength int) (*compiled, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxPromptLength
	}

	g := &compiled{
		fallbackTheme:  set.FallbackTheme,
		disclaimer:     set.Disclaimer,
		rejectMessage:  set.RejectMessage,
		rewriteMessage: set.RewriteMessage,
		maxLength:      maxLength,
	}

	for _, spec := range set.Rules {
		re, err := regexp.Compile("(?i)" + spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("规则 %q 正则无效: %w", spec.Term, err)
		}
		g.rules = append(g.rules, rule{term: spec.Term, pattern: re, styleHint: spec.StyleHint})
	}
	for _, p := range set.ReplicationPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("复刻规则正则无效: %w", err)
		}
		g.replication = append(g.replication, re)
	}
	return g, nil
}

// Default 使用内置规则创建 Guard
func Default() *Guard {
	set, err := LoadRules("")
	if err != nil {
		panic(err)
	}
	g, err := New(set, DefaultMaxPromptLength)
	if err != nil {
		panic(err)
	}
	return g
}

// Evaluate 对提示词分类
func (gd *Guard) Evaluate(prompt string) Result {
	g := gd.current.Load()
	original := compactPrompt(prompt)
	// 全角字母只在匹配时折叠，放行的提示词保持原样
	folded := compactPrompt(foldFullwidth(prompt))

	var matched []rule
	for _, r := range g.rules {
		if r.pattern.MatchString(folded) {
			matched = append(matched, r)
		}
	}

	if len(matched) == 0 {
		return Result{
			Action:          ActionAllow,
			OriginalPrompt:  original,
			EffectivePrompt: original,
			MatchedTerms:    []string{},
			ReasonCode:      ReasonNone,
		}
	}

	terms := make([]string, 0, len(matched))
	hints := make([]string, 0, len(matched))
	for _, r := range matched {
		terms = appendUnique(terms, r.term)
		if r.styleHint != "" {
			hints = appendUnique(hints, r.styleHint)
		}
	}

	for _, re := range g.replication {
		if re.MatchString(folded) {
			return Result{
				Action:          ActionReject,
				OriginalPrompt:  original,
				EffectivePrompt: original,
				MatchedTerms:    terms,
				ReasonCode:      ReasonProtectedIPReject,
				UserMessage:     g.rejectMessage,
			}
		}
	}

	base := folded
	for _, r := range matched {
		base = r.pattern.ReplaceAllString(base, " ")
	}
	base = compactPrompt(base)
	if base == "" {
		base = g.fallbackTheme
	}

	parts := []string{base}
	if len(hints) > 0 {
		parts = append(parts, "风格方向："+strings.Join(hints, "；"))
	}
	if g.disclaimer != "" {
		parts = append(parts, g.disclaimer)
	}
	rewritten := compactPrompt(strings.Join(parts, "。"))

	message := ""
	if g.rewriteMessage != "" {
		message = fmt.Sprintf(g.rewriteMessage, strings.Join(terms, "、"))
	}

	return Result{
		Action:          ActionRewrite,
		OriginalPrompt:  original,
		EffectivePrompt: truncateRunes(rewritten, g.maxLength),
		MatchedTerms:    terms,
		ReasonCode:      ReasonProtectedIPRewrite,
		UserMessage:     message,
	}
}

var (
	repeatedCommas = regexp.MustCompile(`[，,]{2,}`)
	repeatedStops  = regexp.MustCompile(`[。.]{2,}`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
	trailingPunct  = regexp.MustCompile(`[，,。\s]+$`)
)

func compactPrompt(input string) string {
	out := repeatedCommas.ReplaceAllString(input, "，")
	out = repeatedStops.ReplaceAllString(out, "。")
	out = whitespaceRun.ReplaceAllString(out, " ")
	out = trailingPunct.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// 全角字母数字转半角，避免 "ｌｏｇｏ"、"Ｍａｒｖｅｌ" 绕过规则；中文标点保持不变
var fullwidthAlnum = runes.Predicate(func(r rune) bool {
	return (r >= 'Ａ' && r <= 'Ｚ') || (r >= 'ａ' && r <= 'ｚ') || (r >= '０' && r <= '９')
})

func foldFullwidth(input string) string {
	out, _, err := transform.String(runes.If(fullwidthAlnum, width.Narrow, nil), input)
	if err != nil {
		return input
	}
	return out
}

func truncateRunes(input string, max int) string {
	r := []rune(input)
	if len(r) <= max {
		return input
	}
	return strings.TrimSpace(string(r[:max]))
}

func appendUnique(items []string, item string) []string {
	for _, existing := range items {
		if existing == item {
			return items
		}
	}
	return append(items, item)
}
