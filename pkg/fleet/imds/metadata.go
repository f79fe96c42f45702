// Package imds reads spot interruption notices and instance identity from
// the EC2 instance metadata service.
package imds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/3leaps/spotguard/pkg/fleet"
)

// InstanceActionPath is the metadata path that exists only while a spot
// interruption is pending.
const InstanceActionPath = "spot/instance-action"

// API is the subset of the IMDS client used by Source.
type API interface {
	GetMetadata(ctx context.Context, in *imds.GetMetadataInput, opts ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
	GetInstanceIdentityDocument(ctx context.Context, in *imds.GetInstanceIdentityDocumentInput, opts ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error)
}

// Source implements fleet.InterruptionSource and fleet.IdentitySource.
type Source struct {
	client API
}

var (
	_ fleet.InterruptionSource = (*Source)(nil)
	_ fleet.IdentitySource     = (*Source)(nil)
)

// New returns a source using the default IMDS client. endpoint overrides the
// metadata endpoint when non-empty.
func New(endpoint string) *Source {
	opts := imds.Options{}
	if endpoint != "" {
		opts.Endpoint = endpoint
	}
	return NewWithClient(imds.New(opts))
}

// NewWithClient wraps an existing client.
func NewWithClient(client API) *Source {
	return &Source{client: client}
}

// InterruptionNotice implements fleet.InterruptionSource. A 404 means no
// interruption is scheduled.
func (s *Source) InterruptionNotice(ctx context.Context) (*fleet.Notice, error) {
	out, err := s.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: InstanceActionPath})
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", InstanceActionPath, err)
	}
	defer func() { _ = out.Content.Close() }()

	data, err := io.ReadAll(out.Content)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", InstanceActionPath, err)
	}
	var n fleet.Notice
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decode %s: %w", InstanceActionPath, err)
	}
	return &n, nil
}

// Identity implements fleet.IdentitySource.
func (s *Source) Identity(ctx context.Context) (fleet.Identity, error) {
	out, err := s.client.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return fleet.Identity{}, fmt.Errorf("read identity document: %w", err)
	}
	return fleet.Identity{
		InstanceID:   out.InstanceID,
		Zone:         out.AvailabilityZone,
		Region:       out.Region,
		InstanceType: out.InstanceType,
	}, nil
}

func statusCode(err error) int {
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		return withStatus.HTTPStatusCode()
	}
	return 0
}
