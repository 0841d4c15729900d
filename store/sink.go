package store

import (
	"context"
	"errors"

	"github.com/BaSui01/guardflow/types"
)

// MultiSink 依次写入多个 RecordSink，所有错误合并返回
type MultiSink []RecordSink

func (m MultiSink) SaveRecord(ctx context.Context, rec types.RequestRecord) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.SaveRecord(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
