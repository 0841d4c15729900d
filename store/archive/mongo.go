// Package archive 将请求审计记录与告警归档到 MongoDB，供离线分析与长期留存。
package archive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/types"
)

// Config 归档连接配置
type Config struct {
	URI               string
	Database          string
	RecordsCollection string
	AlertsCollection  string
	Timeout           time.Duration
}

func (c *Config) applyDefaults() {
	if c.Database == "" {
		c.Database = "guardflow"
	}
	if c.RecordsCollection == "" {
		c.RecordsCollection = "request_logs"
	}
	if c.AlertsCollection == "" {
		c.AlertsCollection = "alerts"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Sink MongoDB 归档写入器，实现 store.RecordSink
type Sink struct {
	client  *mongo.Client
	records *mongo.Collection
	alerts  *mongo.Collection
	timeout time.Duration
	logger  *zap.Logger
}

// Connect 建立连接并探活
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.Timeout).
		SetServerSelectionTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	logger.Info("archive sink connected",
		zap.String("database", cfg.Database),
		zap.String("records", cfg.RecordsCollection))

	return &Sink{
		client:  client,
		records: db.Collection(cfg.RecordsCollection),
		alerts:  db.Collection(cfg.AlertsCollection),
		timeout: cfg.Timeout,
		logger:  logger.With(zap.String("component", "archive")),
	}, nil
}

// SaveRecord 归档一条请求记录，以 request_id 作为文档主键，重复写入视为成功
func (s *Sink) SaveRecord(ctx context.Context, rec types.RequestRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.records.InsertOne(ctx, recordDocument(rec)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("archive record %s: %w", rec.RequestID, err)
	}
	return nil
}

// SaveAlert 归档告警的最新状态
func (s *Sink) SaveAlert(ctx context.Context, alert *types.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.alerts.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: alert.ID}},
		alertDocument(alert),
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive alert %s: %w", alert.ID, err)
	}
	return nil
}

// Ping 健康检查
func (s *Sink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close 断开连接
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func recordDocument(r types.RequestRecord) bson.D {
	return bson.D{
		{Key: "_id", Value: r.RequestID},
		{Key: "user_id", Value: r.UserID},
		{Key: "tenant_id", Value: r.TenantID},
		{Key: "task_id", Value: r.TaskID},
		{Key: "model", Value: r.Model},
		{Key: "prompt", Value: r.Prompt},
		{Key: "response", Value: r.Response},
		{Key: "intent", Value: r.Intent},
		{Key: "confidence", Value: r.Confidence},
		{Key: "deviation_delta", Value: r.DeviationDelta},
		{Key: "score_before", Value: r.ScoreBefore},
		{Key: "score_after", Value: r.ScoreAfter},
		{Key: "tokens", Value: bson.D{
			{Key: "prompt", Value: r.PromptTokens},
			{Key: "completion", Value: r.CompletionTokens},
			{Key: "total", Value: r.TotalTokens},
			{Key: "estimated", Value: r.EstimatedTokens},
			{Key: "overflow", Value: r.OverflowTokens},
		}},
		{Key: "safety_risk", Value: r.SafetyRisk},
		{Key: "safety_reasons", Value: r.SafetyReasons},
		{Key: "latency_ms", Value: r.LatencyMS},
		{Key: "ip_address", Value: r.IPAddress},
		{Key: "user_agent", Value: r.UserAgent},
		{Key: "status", Value: string(r.Status)},
		{Key: "error_code", Value: string(r.ErrorCode)},
		{Key: "error_message", Value: r.ErrorMessage},
		{Key: "timestamp", Value: r.Timestamp.UTC()},
	}
}

func alertDocument(a *types.Alert) bson.D {
	doc := bson.D{
		{Key: "_id", Value: a.ID},
		{Key: "user_id", Value: a.UserID},
		{Key: "tenant_id", Value: a.TenantID},
		{Key: "task_id", Value: a.TaskID},
		{Key: "type", Value: string(a.Type)},
		{Key: "severity", Value: string(a.Severity)},
		{Key: "status", Value: string(a.Status)},
		{Key: "title", Value: a.Title},
		{Key: "description", Value: a.Description},
		{Key: "metadata", Value: a.Metadata},
		{Key: "reviewed_by", Value: a.ReviewedBy},
		{Key: "review_notes", Value: a.ReviewNotes},
		{Key: "created_at", Value: a.CreatedAt.UTC()},
	}
	if a.ReviewedAt != nil {
		doc = append(doc, bson.E{Key: "reviewed_at", Value: a.ReviewedAt.UTC()})
	}
	return doc
}
