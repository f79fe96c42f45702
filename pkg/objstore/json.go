package objstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetJSON reads key and decodes it into v, returning the object's generation.
func GetJSON(ctx context.Context, s Store, key string, v any) (Generation, error) {
	obj, err := s.Get(ctx, key)
	if err != nil {
		return Absent, err
	}
	if err := json.Unmarshal(obj.Data, v); err != nil {
		return obj.Generation, fmt.Errorf("decode %s: %w", key, err)
	}
	return obj.Generation, nil
}

// PutJSON encodes v as indented JSON and writes it subject to cond.
func PutJSON(ctx context.Context, s Store, key string, v any, cond Condition) (Generation, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Absent, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data, cond)
}

// Exists reports whether key is present.
func Exists(ctx context.Context, s Store, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}
