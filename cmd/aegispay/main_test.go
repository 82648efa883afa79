package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"aegispay", "frobnicate"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "unknown command: frobnicate")
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"aegispay", "help"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "aegispay <command>")
	assert.Contains(t, stdout.String(), "verify")
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"aegispay", "version"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), version)
}

func TestRunConfigPrintsResolvedSettings(t *testing.T) {
	t.Setenv("AEGISPAY_CONFIG", "")
	t.Setenv("WEBHOOK_MASTER_SECRET", "")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"aegispay", "config"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "canon_mode: pipe")
	assert.Contains(t, stdout.String(), "webhook_master_secret: (unset)")
}

func TestRunConfigMasksSecret(t *testing.T) {
	t.Setenv("AEGISPAY_CONFIG", "")
	t.Setenv("WEBHOOK_MASTER_SECRET", "a-very-long-master-secret")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"aegispay", "config"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "webhook_master_secret: (set, masked)")
	assert.NotContains(t, stdout.String(), "a-very-long-master-secret")
}
