package di

import (
	"github.com/docker/docker/client"
)

// ProvideDockerClient creates a docker client from the local environment.
func ProvideDockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}
