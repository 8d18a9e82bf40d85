// Package testutil holds helpers for tests that need the network or real
// infrastructure.
package testutil

import (
	"os"
	"strconv"
	"testing"
)

// SkipIfNoNetwork skips the test if ELASTIC_TEST_SKIP_NETWORK is set.
// Use this for tests that bind TCP listeners, which may not be available
// in sandboxed environments.
func SkipIfNoNetwork(t testing.TB) {
	t.Helper()
	if os.Getenv("ELASTIC_TEST_SKIP_NETWORK") != "" {
		t.Skip("skipping network test: ELASTIC_TEST_SKIP_NETWORK is set")
	}
}

// SSHTarget is a reachable host for integration tests.
type SSHTarget struct {
	Host           string
	Port           int
	Username       string
	Password       string
	PrivateKeyPath string
	Insecure       bool
}

// RequireSSHTarget returns the host named by ELASTIC_TEST_SSH_HOST or skips.
//
// ELASTIC_TEST_SSH_PORT, ELASTIC_TEST_SSH_USER, ELASTIC_TEST_SSH_PASSWORD and
// ELASTIC_TEST_SSH_KEY fill the rest; ELASTIC_TEST_SSH_INSECURE=1 skips host
// key checking.
func RequireSSHTarget(t testing.TB) SSHTarget {
	t.Helper()
	SkipIfNoNetwork(t)

	host := os.Getenv("ELASTIC_TEST_SSH_HOST")
	if host == "" {
		t.Skip("skipping ssh integration test: ELASTIC_TEST_SSH_HOST is not set")
	}

	target := SSHTarget{
		Host:           host,
		Port:           22,
		Username:       os.Getenv("ELASTIC_TEST_SSH_USER"),
		Password:       os.Getenv("ELASTIC_TEST_SSH_PASSWORD"),
		PrivateKeyPath: os.Getenv("ELASTIC_TEST_SSH_KEY"),
		Insecure:       os.Getenv("ELASTIC_TEST_SSH_INSECURE") == "1",
	}
	if raw := os.Getenv("ELASTIC_TEST_SSH_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			t.Fatalf("invalid ELASTIC_TEST_SSH_PORT %q: %v", raw, err)
		}
		target.Port = port
	}
	if target.Username == "" {
		target.Username = os.Getenv("USER")
	}
	return target
}

// RequireNATS returns the server URL in ELASTIC_TEST_NATS_URL or skips.
func RequireNATS(t testing.TB) string {
	t.Helper()
	SkipIfNoNetwork(t)

	url := os.Getenv("ELASTIC_TEST_NATS_URL")
	if url == "" {
		t.Skip("skipping nats integration test: ELASTIC_TEST_NATS_URL is not set")
	}
	return url
}
