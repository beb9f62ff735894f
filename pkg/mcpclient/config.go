package mcpclient

import "time"

const defaultConnectTimeout = 10 * time.Second

// ServerConfig describes how to reach one external tool provider. It is
// read-only input produced by the host's configuration layer.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Enabled bool
	Timeout time.Duration
}

func (c ServerConfig) connectTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultConnectTimeout
}
