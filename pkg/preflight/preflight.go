package preflight

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/spotguard/pkg/objstore"
)

// Mode defines how aggressive preflight checks are.
type Mode string

const (
	// ModeReadSafe only lists the runs prefix.
	ModeReadSafe Mode = "read-safe"

	// ModeWriteProbe also writes, swaps and deletes a probe object.
	ModeWriteProbe Mode = "write-probe"
)

// DefaultProbePrefix is where write probes are placed.
const DefaultProbePrefix = "_spotguard/probe/"

// Spec controls how preflight checks are executed.
type Spec struct {
	Mode        Mode
	ProbePrefix string
	RunsPrefix  string
}

// Capability names are stable strings used in doctor and JSON output.
const (
	CapList           = "store.list"
	CapCreateIfAbsent = "store.create_if_absent"
	CapCompareSwap    = "store.compare_and_swap"
	CapDelete         = "store.delete"
)

// Error codes for denied capabilities.
const (
	ErrCodeAccessDenied = "ACCESS_DENIED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeThrottled    = "THROTTLED"
	ErrCodeUnsupported  = "UNSUPPORTED"
	ErrCodeInternal     = "INTERNAL"
)

// CheckResult is the outcome of one capability check.
type CheckResult struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method"`
	ErrorCode  string `json:"error_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Report collects the results of a preflight pass.
type Report struct {
	Mode        string        `json:"mode"`
	ProbePrefix string        `json:"probe_prefix,omitempty"`
	Results     []CheckResult `json:"results"`
}

// Failed returns the first denied check, or nil.
func (r *Report) Failed() *CheckResult {
	for i := range r.Results {
		if !r.Results[i].Allowed {
			return &r.Results[i]
		}
	}
	return nil
}

func (r *Report) add(capability, method string, err error) {
	res := CheckResult{Capability: capability, Method: method, Allowed: err == nil}
	if err != nil {
		res.ErrorCode = normalizeErrorCode(err)
		res.Detail = err.Error()
	}
	r.Results = append(r.Results, res)
}

// Run checks that the store supports what the state protocol relies on.
//
// Read-safe mode lists the runs prefix. Write-probe mode additionally
// verifies that a create-if-absent is exclusive and that a stale generation
// is refused, using a uniquely named probe object that is deleted afterwards.
// The returned error is the first failed check.
func Run(ctx context.Context, store objstore.Store, spec Spec) (*Report, error) {
	if spec.Mode == "" {
		spec.Mode = ModeReadSafe
	}
	if spec.RunsPrefix == "" {
		spec.RunsPrefix = "runs/"
	}
	rep := &Report{Mode: string(spec.Mode), Results: []CheckResult{}}

	_, err := store.ListWithDelimiter(ctx, objstore.ListOptions{Prefix: spec.RunsPrefix, Delimiter: "/", MaxKeys: 1})
	rep.add(CapList, fmt.Sprintf("ListWithDelimiter(prefix=%q,maxKeys=1)", spec.RunsPrefix), err)
	if err != nil {
		return rep, err
	}
	if spec.Mode != ModeWriteProbe {
		return rep, nil
	}

	prefix := spec.ProbePrefix
	if prefix == "" {
		prefix = DefaultProbePrefix
	}
	rep.ProbePrefix = prefix
	return rep, writeProbe(ctx, store, rep, path.Join(prefix, uuid.NewString()))
}

func writeProbe(ctx context.Context, store objstore.Store, rep *Report, key string) error {
	body := []byte(fmt.Sprintf(`{"probe":%q}`, time.Now().UTC().Format(time.RFC3339Nano)))

	gen, err := store.Put(ctx, key, body, objstore.IfAbsent())
	if err == nil {
		_, err = store.Put(ctx, key, body, objstore.IfAbsent())
		err = expectPrecondition(err, "second create-if-absent succeeded")
	}
	rep.add(CapCreateIfAbsent, "Put(IfAbsent) x2", err)
	if err != nil {
		cleanup(ctx, store, key)
		return err
	}

	var next objstore.Generation
	next, err = store.Put(ctx, key, body, objstore.IfGenerationMatch(gen))
	if err == nil {
		_, err = store.Put(ctx, key, body, objstore.IfGenerationMatch(gen))
		err = expectPrecondition(err, "write with a stale generation succeeded")
	}
	rep.add(CapCompareSwap, "Put(IfGenerationMatch) fresh+stale", err)
	if err != nil {
		cleanup(ctx, store, key)
		return err
	}

	err = store.Delete(ctx, key, objstore.IfGenerationMatch(next))
	rep.add(CapDelete, "Delete(IfGenerationMatch)", err)
	if err != nil {
		cleanup(ctx, store, key)
	}
	return err
}

// expectPrecondition turns the expected refusal into success.
func expectPrecondition(err error, unexpected string) error {
	switch {
	case objstore.IsPreconditionFailed(err):
		return nil
	case err == nil:
		return fmt.Errorf("%w: %s", errUnsupported, unexpected)
	default:
		return err
	}
}

var errUnsupported = errors.New("conditional writes not enforced")

func cleanup(ctx context.Context, store objstore.Store, key string) {
	_ = store.Delete(ctx, key, objstore.Condition{})
}

func normalizeErrorCode(err error) string {
	switch {
	case objstore.IsAccessDenied(err), objstore.IsInvalidCredentials(err):
		return ErrCodeAccessDenied
	case objstore.IsBucketNotFound(err), objstore.IsNotFound(err):
		return ErrCodeNotFound
	case objstore.IsThrottled(err):
		return ErrCodeThrottled
	case errors.Is(err, errUnsupported):
		return ErrCodeUnsupported
	default:
		return ErrCodeInternal
	}
}
