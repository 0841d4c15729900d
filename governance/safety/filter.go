// Package safety 实现基于正则与启发式规则的内容安全过滤。
//
// 判定规则：命中暴力、自残或仇恨类模式为 high/block；
// 其他有害类别、越狱话术、超长或高重复内容为 medium/warn；否则 low/allow。
package safety

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/types"
)

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Action 处置动作
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
)

// Category 命中类别
type Category string

const (
	CategoryViolence   Category = "violence"
	CategorySelfHarm   Category = "self_harm"
	CategoryHate       Category = "hate"
	CategoryIllegal    Category = "illegal"
	CategoryAdult      Category = "adult"
	CategoryJailbreak  Category = "jailbreak"
	CategoryLength     Category = "excessive_length"
	CategoryRepetitive Category = "repetitive"
)

// Severe 严重类别直接拦截
func (c Category) Severe() bool {
	switch c {
	case CategoryViolence, CategorySelfHarm, CategoryHate:
		return true
	}
	return false
}

// Kind 模式种类
type Kind string

const (
	KindHarmful    Kind = "harmful"
	KindSuspicious Kind = "suspicious"
)

// Result 过滤结果
type Result struct {
	Safe       bool       `json:"safe"`
	RiskLevel  RiskLevel  `json:"risk_level"`
	Reasons    []string   `json:"reasons"`
	Action     Action     `json:"action"`
	Categories []Category `json:"categories,omitempty"`
}

// Stats 过滤器配置概览
type Stats struct {
	HarmfulPatterns    int     `json:"harmful_patterns_count"`
	SuspiciousPatterns int     `json:"suspicious_patterns_count"`
	MaxContentLength   int     `json:"max_content_length"`
	MaxRepetitionRatio float64 `json:"max_repetition_ratio"`
}

type rule struct {
	category Category
	source   string
	re       *regexp.Regexp
}

const (
	defaultMaxLength        = 10000
	defaultRepetitionRatio  = 0.3
	minRepetitionChars      = 100
	minRepetitionWordsCount = 10
)

var builtinHarmful = []struct {
	category Category
	expr     string
}{
	{CategoryViolence, `\b(kill|murder|assassinate|bomb|terrorist|weapon|gun|knife)\b`},
	{CategorySelfHarm, `\b(suicide|self-harm|hurt yourself)\b`},
	{CategoryHate, `\b(hate|racist|nazi|genocide)\b`},
	{CategoryIllegal, `\b(illegal|drugs|cocaine|heroin|fraud|hack|steal)\b`},
	{CategoryIllegal, `\b(money laundering|tax evasion|identity theft)\b`},
	{CategoryIllegal, `\b(spam|scam|phishing|malware|virus)\b`},
	{CategoryAdult, `\b(sexual|pornographic|explicit|adult content)\b`},
}

var builtinSuspicious = []string{
	`(ignore|disregard|bypass).*(instruction|rule|filter|safety)`,
	`pretend.*(not|don't).*(exist|matter|apply)`,
	`act.*as.*(unrestricted|uncensored|jailbreak)`,
}

// Filter 内容安全过滤器，可并发使用
type Filter struct {
	mu         sync.RWMutex
	harmful    []rule
	suspicious []rule

	maxLength       int
	repetitionRatio float64
	logger          *zap.Logger
}

// Option 配置 Filter
type Option func(*Filter)

// WithMaxLength 设置超长阈值（字符数）
func WithMaxLength(n int) Option {
	return func(f *Filter) { f.maxLength = n }
}

// WithRepetitionRatio 设置重复词占比阈值
func WithRepetitionRatio(r float64) Option {
	return func(f *Filter) { f.repetitionRatio = r }
}

// NewFilter 创建带内置模式的过滤器
func NewFilter(logger *zap.Logger, opts ...Option) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Filter{
		maxLength:       defaultMaxLength,
		repetitionRatio: defaultRepetitionRatio,
		logger:          logger.With(zap.String("component", "safety")),
	}
	for _, p := range builtinHarmful {
		f.harmful = append(f.harmful, rule{category: p.category, source: p.expr, re: mustCompile(p.expr)})
	}
	for _, expr := range builtinSuspicious {
		f.suspicious = append(f.suspicious, rule{category: CategoryJailbreak, source: expr, re: mustCompile(expr)})
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func compile(expr string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + expr)
}

func mustCompile(expr string) *regexp.Regexp {
	re, err := compile(expr)
	if err != nil {
		panic(fmt.Sprintf("safety: invalid builtin pattern %q: %v", expr, err))
	}
	return re
}

// AddCustomPattern 追加自定义模式。suspicious 模式的类别固定为 jailbreak。
func (f *Filter) AddCustomPattern(kind Kind, category Category, expr string) error {
	re, err := compile(expr)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", expr, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch kind {
	case KindHarmful:
		if category == "" {
			category = CategoryIllegal
		}
		f.harmful = append(f.harmful, rule{category: category, source: expr, re: re})
	case KindSuspicious:
		f.suspicious = append(f.suspicious, rule{category: CategoryJailbreak, source: expr, re: re})
	default:
		return fmt.Errorf("unknown pattern kind %q", kind)
	}
	f.logger.Info("custom pattern added",
		zap.String("kind", string(kind)),
		zap.String("category", string(category)),
		zap.String("pattern", expr))
	return nil
}

// Stats 返回模式数量与阈值
func (f *Filter) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Stats{
		HarmfulPatterns:    len(f.harmful),
		SuspiciousPatterns: len(f.suspicious),
		MaxContentLength:   f.maxLength,
		MaxRepetitionRatio: f.repetitionRatio,
	}
}

// CheckContent 以换行拼接所有消息后检查
func (f *Filter) CheckContent(messages []types.Message) Result {
	return f.CheckText(types.JoinContent(messages))
}

// CheckText 检查单段文本
func (f *Filter) CheckText(content string) Result {
	if strings.TrimSpace(content) == "" {
		return Result{Safe: true, RiskLevel: RiskLow, Reasons: []string{}, Action: ActionAllow}
	}

	f.mu.RLock()
	harmful, suspicious := f.harmful, f.suspicious
	f.mu.RUnlock()

	var (
		categories  []Category
		severeHits  []string
		otherHits   []string
		jailbreak   bool
		addCategory = func(c Category) {
			if !slices.Contains(categories, c) {
				categories = append(categories, c)
			}
		}
	)

	for _, r := range harmful {
		matches := r.re.FindAllString(content, -1)
		if len(matches) == 0 {
			continue
		}
		addCategory(r.category)
		if r.category.Severe() {
			severeHits = append(severeHits, matches...)
		} else {
			otherHits = append(otherHits, matches...)
		}
	}
	for _, r := range suspicious {
		if r.re.MatchString(content) {
			jailbreak = true
			addCategory(CategoryJailbreak)
			break
		}
	}

	reasons := []string{}
	if len(severeHits) > 0 {
		reasons = append(reasons, "Harmful content detected: "+joinUnique(severeHits))
	}
	if len(otherHits) > 0 {
		reasons = append(reasons, "Sensitive content detected: "+joinUnique(otherHits))
	}
	if jailbreak {
		reasons = append(reasons, "Suspicious request pattern detected")
	}
	if utf8.RuneCountInString(content) > f.maxLength {
		addCategory(CategoryLength)
		reasons = append(reasons, "Excessively long request")
	}
	if f.isRepetitive(content) {
		addCategory(CategoryRepetitive)
		reasons = append(reasons, "Repetitive content detected")
	}

	res := Result{Reasons: reasons, Categories: categories}
	switch {
	case len(severeHits) > 0:
		res.RiskLevel, res.Action, res.Safe = RiskHigh, ActionBlock, false
	case len(reasons) > 0:
		res.RiskLevel, res.Action, res.Safe = RiskMedium, ActionWarn, true
	default:
		res.RiskLevel, res.Action, res.Safe = RiskLow, ActionAllow, true
	}

	if res.Action != ActionAllow {
		f.logger.Warn("safety filter triggered",
			zap.String("risk_level", string(res.RiskLevel)),
			zap.String("action", string(res.Action)),
			zap.Strings("reasons", res.Reasons))
	}
	return res
}

// isRepetitive 内容足够长且最高频词占比超过阈值
func (f *Filter) isRepetitive(content string) bool {
	if utf8.RuneCountInString(content) < minRepetitionChars {
		return false
	}
	words := strings.Fields(strings.ToLower(content))
	if len(words) < minRepetitionWordsCount {
		return false
	}
	counts := make(map[string]int, len(words))
	top := 0
	for _, w := range words {
		counts[w]++
		top = max(top, counts[w])
	}
	return float64(top)/float64(len(words)) > f.repetitionRatio
}

func joinUnique(hits []string) string {
	seen := make(map[string]struct{}, len(hits))
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		h = strings.ToLower(h)
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
