package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveHost(t *testing.T) {
	tests := []struct {
		host     string
		inDocker bool
		expected string
	}{
		{"localhost", true, DockerHostAlias},
		{"127.0.0.1", true, DockerHostAlias},
		{"::1", true, DockerHostAlias},
		{"mydb.example.com", true, "mydb.example.com"},
		{"localhost", false, "localhost"},
		{"192.168.1.100", false, "192.168.1.100"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, resolveHost(tt.host, tt.inDocker), "host=%s docker=%v", tt.host, tt.inDocker)
	}
}

func TestResolveHostForDocker_NonLoopbackUnchanged(t *testing.T) {
	for _, host := range []string{"mydb.example.com", "10.0.0.5", DockerHostAlias} {
		assert.Equal(t, host, ResolveHostForDocker(host))
	}
}
