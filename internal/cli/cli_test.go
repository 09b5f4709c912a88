package cli

import (
	"bytes"
	"strings"
	"testing"
)

func executeWithArgs(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestBareInvocationPrintsUsage(t *testing.T) {
	out, err := executeWithArgs(t)
	if err != nil {
		t.Fatalf("bare invocation must succeed, got %v", err)
	}
	if !strings.Contains(out, "Usage:") {
		t.Errorf("expected usage output, got %q", out)
	}
	if !strings.Contains(out, "speed") {
		t.Errorf("usage should mention the speed command, got %q", out)
	}
}

func TestUnknownInvocationPrintsUsageAndSucceeds(t *testing.T) {
	out, err := executeWithArgs(t, "bogus")
	if err != nil {
		t.Fatalf("unknown invocation must exit successfully, got %v", err)
	}
	if !strings.Contains(out, "Usage:") {
		t.Errorf("expected usage output, got %q", out)
	}
}

func TestSpeedCommandRegistered(t *testing.T) {
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == "speed" {
			for _, flag := range []string{
				"iterations", "payload", "signature", "store-name",
				"settle-delay", "ready-bound", "join-attempts",
				"join-delay", "receive-timeout",
			} {
				if cmd.Flags().Lookup(flag) == nil {
					t.Errorf("speed command missing --%s flag", flag)
				}
			}
			return
		}
	}
	t.Fatal("speed command not registered")
}
