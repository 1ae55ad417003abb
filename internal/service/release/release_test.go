package release

import (
	"context"
	"testing"

	"github.com/martocorp/deployment-queue-api/internal/domain"
)

type recordingReleaser struct {
	calls []string
}

func (r *recordingReleaser) Release(_ context.Context, d *domain.Deployment) error {
	r.calls = append(r.calls, d.ID)
	return nil
}

func TestRegistryRoutesByType(t *testing.T) {
	k8s := &recordingReleaser{}
	tf := &recordingReleaser{}

	reg := NewRegistry(nil)
	reg.Register(domain.TypeK8s, k8s)
	reg.Register(domain.TypeTerraform, tf)

	if err := reg.Release(context.Background(), &domain.Deployment{ID: "d1", Type: domain.TypeK8s}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := reg.Release(context.Background(), &domain.Deployment{ID: "d2", Type: domain.TypeTerraform}); err != nil {
		t.Fatalf("release: %v", err)
	}

	if len(k8s.calls) != 1 || k8s.calls[0] != "d1" {
		t.Fatalf("k8s releaser calls = %v", k8s.calls)
	}
	if len(tf.calls) != 1 || tf.calls[0] != "d2" {
		t.Fatalf("terraform releaser calls = %v", tf.calls)
	}
}

func TestRegistryFallsBackForUnregisteredType(t *testing.T) {
	reg := NewRegistry(nil)
	// No registrations: must not error, must not panic.
	if err := reg.Release(context.Background(), &domain.Deployment{ID: "d3", Type: domain.TypeDataPipeline}); err != nil {
		t.Fatalf("fallback release: %v", err)
	}
}
