// Package tokenizer 提供本地 Token 计数：OpenAI 系列模型使用 tiktoken 精确计数，
// 其余模型或编码数据不可用时退化为区分 CJK 字符的估算器。
package tokenizer
