package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BaSui01/guardflow/types"
)

// InstrumentationName 管线 span 的 tracer 名称
const InstrumentationName = "github.com/BaSui01/guardflow"

// 治理 span 的公共属性键
const (
	AttrRequestID = attribute.Key("guardflow.request_id")
	AttrUserID    = attribute.Key("guardflow.user_id")
	AttrTaskID    = attribute.Key("guardflow.task_id")
	AttrTenantID  = attribute.Key("guardflow.tenant_id")
	AttrErrorCode = attribute.Key("guardflow.error_code")
	AttrQuota     = attribute.Key("guardflow.quota_limit")
)

// Tracer 返回全局 TracerProvider 下的管线 tracer
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartStage 为管线阶段开启 span，名称形如 "guardflow.<stage>"。
// 上下文中的请求、用户、任务与租户标识自动附加为属性。
func StartStage(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "guardflow."+stage, trace.WithAttributes(append(identity(ctx), attrs...)...))
}

func identity(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if v, ok := types.RequestID(ctx); ok {
		attrs = append(attrs, AttrRequestID.String(v))
	}
	if v, ok := types.UserID(ctx); ok {
		attrs = append(attrs, AttrUserID.String(v))
	}
	if v, ok := types.TaskID(ctx); ok {
		attrs = append(attrs, AttrTaskID.String(v))
	}
	if v, ok := types.TenantID(ctx); ok {
		attrs = append(attrs, AttrTenantID.String(v))
	}
	return attrs
}

// EndSpan 结束 span。err 非空时记录错误并标记状态，
// 结构化错误额外附带错误码与触发的额度
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e, ok := types.AsError(err); ok {
			span.SetAttributes(AttrErrorCode.String(string(e.Code)))
			if e.Quota != nil {
				span.SetAttributes(AttrQuota.String(string(e.Quota.Limit)))
			}
		}
	}
	span.End()
}
