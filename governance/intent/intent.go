// Package intent 负责意图分类：构造注入给上游模型的分类指令，
// 并从模型回复末尾的分类行中解析意图与置信度。
package intent

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BaSui01/guardflow/types"
)

// 分类类别
const (
	Coding        = "coding"
	Testing       = "testing"
	Documentation = "documentation"
	Research      = "research"
	OffTopic      = "off_topic"
)

// Marker 分类行前缀
const Marker = "INTENT_CLASSIFICATION:"

const confidenceMarker = "CONFIDENCE:"

const (
	// DefaultConfidence 分类行缺少置信度时的取值
	DefaultConfidence = 0.5
	// UnparseableConfidence 无法解析时的置信度
	UnparseableConfidence = 0.1
)

// Outcome 解析结果，取值为 Classified 或 Unparseable
type Outcome interface {
	isOutcome()
}

// Classified 成功解析的分类
type Classified struct {
	Intent     string
	Confidence float64
}

// Unparseable 缺失或格式错误的分类行
type Unparseable struct {
	Reason string
}

func (Classified) isOutcome()  {}
func (Unparseable) isOutcome() {}

// Parser 从模型回复中提取分类，并返回去除分类行后的正文
type Parser interface {
	Parse(content string) (Outcome, string)
}

// Resolve 将解析结果映射为记录用的意图与置信度，Unparseable 映射为 unknown/0.1
func Resolve(o Outcome) (string, float64) {
	switch v := o.(type) {
	case Classified:
		return v.Intent, v.Confidence
	default:
		return types.IntentUnknown, UnparseableConfidence
	}
}

// TrailerParser 解析形如 "INTENT_CLASSIFICATION: coding | CONFIDENCE: 0.9" 的尾行。
// 分类行及其之后的内容都会从正文中移除。
type TrailerParser struct{}

var _ Parser = TrailerParser{}

func (TrailerParser) Parse(content string) (Outcome, string) {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, Marker) {
			continue
		}
		clean := strings.TrimSpace(strings.Join(lines[:i], "\n"))
		return parseTrailer(strings.TrimPrefix(line, Marker)), clean
	}
	return Unparseable{Reason: "classification line missing"}, content
}

func parseTrailer(body string) Outcome {
	parts := strings.Split(body, "|")

	intent := strings.ToLower(strings.Trim(strings.TrimSpace(parts[0]), "[]"))
	if intent == "" || strings.ContainsAny(intent, " \t") {
		return Unparseable{Reason: fmt.Sprintf("malformed intent %q", strings.TrimSpace(parts[0]))}
	}

	confidence := DefaultConfidence
	if len(parts) > 1 {
		raw := strings.TrimSpace(parts[1])
		if !strings.HasPrefix(raw, confidenceMarker) {
			return Unparseable{Reason: fmt.Sprintf("malformed confidence segment %q", raw)}
		}
		raw = strings.Trim(strings.TrimSpace(strings.TrimPrefix(raw, confidenceMarker)), "[]")
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Unparseable{Reason: fmt.Sprintf("malformed confidence %q", raw)}
		}
		confidence = min(max(v, 0), 1)
	}
	return Classified{Intent: intent, Confidence: confidence}
}

// SystemPrompt 构造注入到对话首部的分类指令
func SystemPrompt(task types.Task) string {
	description := task.Description
	if description == "" {
		description = "No description provided"
	}
	allowed := "Any"
	if len(task.AllowedIntents) > 0 {
		allowed = strings.Join(task.AllowedIntents, ", ")
	}
	scope := task.Scope
	if scope == "" {
		scope = "No specific scope defined"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are an AI assistant helping with the task: %s.\n", task.Name)
	fmt.Fprintf(&b, "Task description: %s\n", description)
	fmt.Fprintf(&b, "Allowed intents for this task: %s\n", allowed)
	fmt.Fprintf(&b, "Task scope: %s\n\n", scope)
	b.WriteString("Please:\n")
	b.WriteString("1. Answer the user's question thoroughly and helpfully\n")
	fmt.Fprintf(&b, "2. At the very end of your response, add a line starting with %q followed by one of these categories:\n", Marker)
	b.WriteString("   - coding: Programming, debugging, code review\n")
	b.WriteString("   - testing: Writing tests, QA, validation\n")
	b.WriteString("   - documentation: Writing docs, comments, explanations\n")
	b.WriteString("   - research: Information gathering, analysis\n")
	b.WriteString("   - off_topic: Unrelated to the assigned task\n\n")
	fmt.Fprintf(&b, "Format: %s [category] | %s [0.0-1.0]\n\n", Marker, confidenceMarker)
	b.WriteString("Example:\nYour main response here...\n\n")
	fmt.Fprintf(&b, "%s coding | %s 0.9\n", Marker, confidenceMarker)
	return b.String()
}
