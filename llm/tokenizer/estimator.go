package tokenizer

import (
	"unicode/utf8"

	"github.com/BaSui01/guardflow/types"
)

// Estimator 按字符估算：CJK 约 1.5 字符/Token，其他约 4 字符/Token
type Estimator struct{}

// NewEstimator 创建估算器
func NewEstimator() Estimator { return Estimator{} }

func (Estimator) Count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	return max(int(float64(cjk)/1.5+float64(total-cjk)/4.0), 1), nil
}

func (e Estimator) CountMessages(messages []types.Message) (int, error) {
	total := conversationOverhead
	for _, m := range messages {
		n, _ := e.Count(m.Content)
		total += n + perMessageOverhead
	}
	return total, nil
}

func (Estimator) Name() string { return "estimator" }

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF)
}
