package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/spotguard/pkg/objstore"
)

// Store reads and writes run documents other than the state record.
//
// The state record, status.txt and events are owned by the statewriter
// package; everything here is either telemetry or a marker.
type Store struct {
	objects objstore.Store
}

// New wraps an object store.
func New(objects objstore.Store) *Store {
	return &Store{objects: objects}
}

// Objects returns the underlying object store.
func (s *Store) Objects() objstore.Store {
	return s.objects
}

// ListRuns returns every run id under runs/, sorted.
func (s *Store) ListRuns(ctx context.Context) ([]string, error) {
	res, err := objstore.ListAll(ctx, s.objects, objstore.ListOptions{Prefix: RunsPrefix, Delimiter: "/"})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	ids := make([]string, 0, len(res.CommonPrefixes))
	for _, p := range res.CommonPrefixes {
		if id := RunIDFromPrefix(p); id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadHeartbeat returns the run's heartbeat, or nil if none was written.
func (s *Store) ReadHeartbeat(ctx context.Context, runID string) (*Heartbeat, error) {
	var hb Heartbeat
	if err := s.readOptional(ctx, Run{ID: runID}.HeartbeatKey(), &hb); err != nil {
		if errors.Is(err, errAbsent) {
			return nil, nil
		}
		return nil, err
	}
	return &hb, nil
}

// WriteHeartbeat overwrites the run's heartbeat.
func (s *Store) WriteHeartbeat(ctx context.Context, runID string, hb Heartbeat) error {
	_, err := objstore.PutJSON(ctx, s.objects, Run{ID: runID}.HeartbeatKey(), hb, objstore.Condition{})
	return err
}

// ReadManifest returns the run manifest, or nil if none was written.
func (s *Store) ReadManifest(ctx context.Context, runID string) (*Manifest, error) {
	var m Manifest
	if err := s.readOptional(ctx, Run{ID: runID}.ManifestKey(), &m); err != nil {
		if errors.Is(err, errAbsent) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// WriteManifest overwrites the run manifest.
func (s *Store) WriteManifest(ctx context.Context, runID string, m Manifest) error {
	_, err := objstore.PutJSON(ctx, s.objects, Run{ID: runID}.ManifestKey(), m, objstore.Condition{})
	return err
}

// ReadRestartConfig returns the run's restart config, or nil if none exists.
func (s *Store) ReadRestartConfig(ctx context.Context, runID string) (*RestartConfig, error) {
	obj, err := s.objects.Get(ctx, Run{ID: runID}.RestartConfigKey())
	if err != nil {
		if objstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return ParseRestartConfig(obj.Data, "restart_config.json")
}

// WriteRestartConfig validates cfg and writes it.
func (s *Store) WriteRestartConfig(ctx context.Context, runID string, cfg RestartConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode restart config: %w", err)
	}
	if err := ValidateRestartConfig(data); err != nil {
		return err
	}
	_, err = s.objects.Put(ctx, Run{ID: runID}.RestartConfigKey(), data, objstore.Condition{})
	return err
}

// ReadStatus returns the trimmed status.txt content and whether it exists.
func (s *Store) ReadStatus(ctx context.Context, runID string) (string, bool, error) {
	obj, err := s.objects.Get(ctx, Run{ID: runID}.StatusKey())
	if err != nil {
		if objstore.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(string(obj.Data)), true, nil
}

// ReadStaleMarker returns the stale marker, or nil if absent.
func (s *Store) ReadStaleMarker(ctx context.Context, runID string) (*StaleMarker, error) {
	var m StaleMarker
	if err := s.readOptional(ctx, Run{ID: runID}.MarkerKey(MarkerStaleSeen), &m); err != nil {
		if errors.Is(err, errAbsent) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// WriteStaleMarker overwrites the stale marker.
func (s *Store) WriteStaleMarker(ctx context.Context, runID string, m StaleMarker) error {
	_, err := objstore.PutJSON(ctx, s.objects, Run{ID: runID}.MarkerKey(MarkerStaleSeen), m, objstore.Condition{})
	return err
}

// HasMarker reports whether marker m exists for the run.
func (s *Store) HasMarker(ctx context.Context, runID string, m Marker) (bool, error) {
	return objstore.Exists(ctx, s.objects, Run{ID: runID}.MarkerKey(m))
}

// SetMarker creates or overwrites marker m with a small JSON body.
func (s *Store) SetMarker(ctx context.Context, runID string, m Marker, by string, at time.Time) error {
	body := map[string]string{"created_at": at.UTC().Format(time.RFC3339), "created_by": by}
	_, err := objstore.PutJSON(ctx, s.objects, Run{ID: runID}.MarkerKey(m), body, objstore.Condition{})
	return err
}

// ClearMarker removes marker m. Missing markers are not an error.
func (s *Store) ClearMarker(ctx context.Context, runID string, m Marker) error {
	return s.objects.Delete(ctx, Run{ID: runID}.MarkerKey(m), objstore.Condition{})
}

// RestartEnabled reports whether the bucket-level restart flag is set.
//
// The flag counts only when it parses and carries enabled_at.
func (s *Store) RestartEnabled(ctx context.Context) (bool, error) {
	var flag RestartFlag
	if err := s.readOptional(ctx, RestartFlagKey, &flag); err != nil {
		if errors.Is(err, errAbsent) {
			return false, nil
		}
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			return false, nil
		}
		return false, err
	}
	return flag.EnabledAt != nil, nil
}

// SetRestartEnabled writes or removes the restart feature flag.
func (s *Store) SetRestartEnabled(ctx context.Context, enabled bool, by string, at time.Time) error {
	if !enabled {
		return s.objects.Delete(ctx, RestartFlagKey, objstore.Condition{})
	}
	ts := at.UTC()
	_, err := objstore.PutJSON(ctx, s.objects, RestartFlagKey, RestartFlag{EnabledAt: &ts, EnabledBy: by}, objstore.Condition{})
	return err
}

var errAbsent = errors.New("absent")

func (s *Store) readOptional(ctx context.Context, key string, v any) error {
	if _, err := objstore.GetJSON(ctx, s.objects, key, v); err != nil {
		if objstore.IsNotFound(err) {
			return errAbsent
		}
		return err
	}
	return nil
}
