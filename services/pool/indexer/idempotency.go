package indexer

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StoredResponse is a previously recorded answer to an idempotent request.
type StoredResponse struct {
	Method string
	Path   string
	Status int
	Body   []byte
}

// LookupResponse returns the response stored for caller's key, if any.
func (ix *Indexer) LookupResponse(ctx context.Context, caller, key string) (*StoredResponse, bool, error) {
	var rec IdempotencyRecord
	err := ix.db.WithContext(ctx).First(&rec, "caller = ? AND key = ?", caller, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &StoredResponse{Method: rec.Method, Path: rec.Path, Status: rec.Status, Body: []byte(rec.Response)}, true, nil
}

// SaveResponse records resp under caller's key.
func (ix *Indexer) SaveResponse(ctx context.Context, caller, key string, resp StoredResponse) error {
	rec := IdempotencyRecord{
		Caller:    caller,
		Key:       key,
		RequestID: uuid.NewString(),
		Method:    resp.Method,
		Path:      resp.Path,
		Status:    resp.Status,
		Response:  string(resp.Body),
		CreatedAt: ix.now().UTC(),
	}
	return ix.db.WithContext(ctx).Create(&rec).Error
}
