/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package provider

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoCredentials is returned when neither the request nor the server
// configuration supplies an API key for a provider.
var ErrNoCredentials = errors.New("no API key configured")

// Keys maps provider names to server-side API keys.
type Keys map[string]string

// Resolve returns override when set, else the configured key for name.
func (k Keys) Resolve(name, override string) (string, error) {
	if key := strings.TrimSpace(override); key != "" {
		return key, nil
	}
	if key := strings.TrimSpace(k[name]); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("%w for %s: pass api_key or set %s", ErrNoCredentials, name, EnvVar(name))
}

// Available reports, for every supported provider, whether a server-side key exists.
func (k Keys) Available() map[string]bool {
	out := make(map[string]bool, len(catalog))
	for _, name := range Names() {
		out[name] = strings.TrimSpace(k[name]) != ""
	}
	return out
}

// EnvVar is the environment variable conventionally holding name's key.
func EnvVar(name string) string {
	return strings.ToUpper(name) + "_API_KEY"
}
