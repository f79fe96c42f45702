package statewriter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/spotguard/pkg/backoff"
	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/runstate"
)

// projectionAttempts bounds retries of status.txt and event writes.
const projectionAttempts = 3

// EventTimeLayout formats the timestamp prefix of event object names.
const EventTimeLayout = "20060102T150405Z"

// Event is one accepted transition as written under events/.
type Event struct {
	RunID        string         `json:"run_id"`
	From         runstate.State `json:"from"`
	To           runstate.State `json:"to"`
	Actor        runstate.Actor `json:"actor"`
	Reason       string         `json:"reason"`
	At           time.Time      `json:"at"`
	StateVersion int64          `json:"state_version"`
	Attempt      int            `json:"attempt"`
	InstanceName string         `json:"instance_name,omitempty"`
	Zone         string         `json:"zone,omitempty"`
}

// EventKey returns the object key of an event.
func (w *Writer) EventKey(at time.Time, actor runstate.Actor, id string) string {
	return fmt.Sprintf("%s%s_%s_%s.json", w.run.EventsPrefix(), at.UTC().Format(EventTimeLayout), actor, id)
}

// project writes status.txt and an event file for rec. Failures are logged.
func (w *Writer) project(ctx context.Context, rec runstate.Record) {
	status := runstate.StatusCompat(rec.State)
	if err := w.putWithRetry(ctx, w.run.StatusKey(), []byte(status)); err != nil {
		w.logger.Warn("Failed to write status projection",
			zap.String("status", status),
			zap.Error(err))
	}

	entry, _ := rec.LastEntry()
	ev := Event{
		RunID:        w.run.ID,
		From:         entry.From,
		To:           rec.State,
		Actor:        rec.UpdatedBy,
		Reason:       rec.Reason,
		At:           rec.UpdatedAt,
		StateVersion: rec.StateVersion,
		Attempt:      rec.Attempt,
		InstanceName: rec.InstanceName,
		Zone:         rec.Zone,
	}
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		w.logger.Warn("Failed to encode event", zap.Error(err))
		return
	}
	key := w.EventKey(rec.UpdatedAt, rec.UpdatedBy, w.newID())
	if err := w.putWithRetry(ctx, key, data); err != nil {
		w.logger.Warn("Failed to write event", zap.String("key", key), zap.Error(err))
	}
}

func (w *Writer) putWithRetry(ctx context.Context, key string, data []byte) error {
	return backoff.Retry(ctx, w.clock, w.backoff, projectionAttempts, objstore.IsTransient, func(ctx context.Context) error {
		_, err := w.objects.Put(ctx, key, data, objstore.Condition{})
		return err
	})
}

// Events returns the run's event log in name order, which is time order.
// Undecodable event objects are skipped.
func (w *Writer) Events(ctx context.Context) ([]Event, error) {
	res, err := objstore.ListAll(ctx, w.objects, objstore.ListOptions{Prefix: w.run.EventsPrefix()})
	if err != nil {
		return nil, fmt.Errorf("list events for run %s: %w", w.run.ID, err)
	}
	sort.Slice(res.Objects, func(i, j int) bool { return res.Objects[i].Key < res.Objects[j].Key })

	events := make([]Event, 0, len(res.Objects))
	for _, o := range res.Objects {
		if !strings.HasSuffix(o.Key, ".json") {
			continue
		}
		var ev Event
		if _, err := objstore.GetJSON(ctx, w.objects, o.Key, &ev); err != nil {
			if objstore.IsNotFound(err) {
				continue
			}
			w.logger.Debug("Skipping unreadable event", zap.String("key", o.Key), zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
