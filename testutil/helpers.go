// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	testutil.AssertErrorCode(t, err, types.ErrRateLimited)
//	testutil.AssertEventuallyTrue(t, func() bool { return sink.AlertCount() == 1 }, time.Second)
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/guardflow/types"
)

// TestContext 返回 30s 超时的测试上下文，测试结束时自动取消
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertErrorCode 断言错误携带指定的错误码
func AssertErrorCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error with code %s, got nil", code)
		return
	}
	if got := types.GetErrorCode(err); got != code {
		t.Errorf("error code mismatch: expected %s, got %q (%v)", code, got, err)
	}
}

// AssertQuotaDenied 断言请求因配额被拒，并核对触发的额度明细
func AssertQuotaDenied(t *testing.T, err error, want types.QuotaDetail) *types.Error {
	t.Helper()
	e, ok := types.AsError(err)
	require.True(t, ok, "expected *types.Error, got %v", err)
	require.Equal(t, types.ErrQuotaExceeded, e.Code)
	require.NotNil(t, e.Quota, "quota detail missing")
	require.Equal(t, want, *e.Quota)
	return e
}

// AssertMessagesEqual 按角色与内容比较消息
func AssertMessagesEqual(t *testing.T, expected, actual []types.Message) {
	t.Helper()
	if len(expected) != len(actual) {
		t.Errorf("message count mismatch: expected %d, got %d", len(expected), len(actual))
		return
	}
	for i := range expected {
		if expected[i].Role != actual[i].Role || expected[i].Content != actual[i].Content {
			t.Errorf("message %d mismatch: expected %+v, got %+v", i, expected[i], actual[i])
		}
	}
}

// AssertEventuallyTrue 断言条件在 timeout 内成立，用于等待异步持久化
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	if !WaitFor(condition, timeout) {
		t.Errorf("condition did not become true within %v", timeout)
	}
}

// WaitFor 每 10ms 轮询一次，直到条件成立或超时
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}
