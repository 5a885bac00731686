package config

import (
	"net"
	"os"
	"strings"
	"sync"
)

// DockerHostEnv overrides the address substituted for loopback hosts when the
// process runs inside a container.
const DockerHostEnv = "DB_DOCKER_HOST"

const defaultDockerHost = "host.docker.internal"

var (
	containerMarker = "/.dockerenv"
	inContainer     = sync.OnceValue(func() bool {
		_, err := os.Stat(containerMarker)
		return err == nil
	})
)

// IsRunningInDocker reports whether the process runs inside a Docker container.
func IsRunningInDocker() bool {
	return inContainer()
}

// ResolveHostForDocker maps a loopback MySQL host to the container gateway
// name so a server published on the host stays reachable.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, IsRunningInDocker(), os.Getenv(DockerHostEnv))
}

func resolveHost(host string, containerized bool, gateway string) string {
	if !containerized || !isLoopback(host) {
		return host
	}
	if gateway = strings.TrimSpace(gateway); gateway != "" {
		return gateway
	}
	return defaultDockerHost
}

func isLoopback(host string) bool {
	h := strings.Trim(strings.TrimSpace(host), "[]")
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
