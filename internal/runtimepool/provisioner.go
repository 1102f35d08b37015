package runtimepool

import (
	"context"
	"strconv"
)

// ContainerProvisioner starts and stops the backing container for a
// TaskRuntime. The wire-level driver is external (spec.md's RuntimeGateway
// covers per-job dispatch, not runtime-container lifecycle); this interface
// is the narrow seam the pool needs to scale the fleet. A fake
// implementation backs tests; a real one would shell out to Docker the way
// `containerNamePrefix`/`dockerNetwork`/`connectivityMode` config implies.
type ContainerProvisioner interface {
	StartContainer(ctx context.Context, image string, labels map[string]string) (containerID string, endpoint string, err error)
	StopContainer(ctx context.Context, containerID string) error
}

// FakeProvisioner is an in-memory ContainerProvisioner for tests and local
// development without a container runtime available.
type FakeProvisioner struct {
	counter int
}

func NewFakeProvisioner() *FakeProvisioner { return &FakeProvisioner{} }

func (p *FakeProvisioner) StartContainer(ctx context.Context, image string, labels map[string]string) (string, string, error) {
	p.counter++
	containerID := "fake-container-" + strconv.Itoa(p.counter)
	endpoint := "http://" + containerID + ":8080"
	return containerID, endpoint, nil
}

func (p *FakeProvisioner) StopContainer(ctx context.Context, containerID string) error {
	return nil
}
