package shell

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestShellExecEcho(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir, 5)
	args, _ := json.Marshal(map[string]any{"command": "echo hello"})
	content, err := tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "hello\n" {
		t.Errorf("expected 'hello\\n', got %q", content)
	}
}

func TestShellExecWorkingDir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(dir+"/test.txt", []byte("content"), 0644)
	tool := New(dir, 5)
	args, _ := json.Marshal(map[string]any{"command": "ls test.txt"})
	content, err := tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "test.txt\n" {
		t.Errorf("expected test.txt, got %q", content)
	}
}

func TestShellExecBlocked(t *testing.T) {
	tool := New(t.TempDir(), 5)
	args, _ := json.Marshal(map[string]any{"command": "sudo reboot"})
	_, err := tool.Invoke(context.Background(), args)
	if err == nil {
		t.Error("expected blocked error")
	}
}

func TestShellExecTimeout(t *testing.T) {
	tool := New(t.TempDir(), 5)
	args, _ := json.Marshal(map[string]any{"command": "sleep 10", "timeout": 1})
	_, err := tool.Invoke(context.Background(), args)
	if err == nil {
		t.Error("expected timeout error")
	}
}

func TestShellExecStderr(t *testing.T) {
	tool := New(t.TempDir(), 5)
	args, _ := json.Marshal(map[string]any{"command": "echo out && echo err >&2"})
	content, err := tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(content, "out") {
		t.Error("missing stdout content")
	}
	if !strings.Contains(content, "err") {
		t.Error("missing stderr content")
	}
	if !strings.Contains(content, "stderr") {
		t.Error("missing stderr separator")
	}
}

func TestShellExecExitCode(t *testing.T) {
	tool := New(t.TempDir(), 5)
	args, _ := json.Marshal(map[string]any{"command": "exit 1"})
	_, err := tool.Invoke(context.Background(), args)
	if err == nil {
		t.Error("expected exit error")
	}
	if !strings.Contains(err.Error(), "exit") {
		t.Errorf("error should mention exit, got %q", err.Error())
	}
}

func TestShellExecEmptyCommand(t *testing.T) {
	tool := New(t.TempDir(), 5)
	args, _ := json.Marshal(map[string]any{"command": ""})
	_, err := tool.Invoke(context.Background(), args)
	if err == nil {
		t.Error("expected error for empty command")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error should mention required, got %q", err.Error())
	}
}

func TestShellExecMaxTimeoutCapped(t *testing.T) {
	tool := New(t.TempDir(), 5)
	// timeout=999 should be capped to 300, but command finishes fast anyway
	args, _ := json.Marshal(map[string]any{"command": "echo hi", "timeout": 999})
	content, err := tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(content, "hi") {
		t.Errorf("expected 'hi', got %q", content)
	}
}

func TestShellExecDefinition(t *testing.T) {
	tool := New(t.TempDir(), 5)
	if tool.Name() != "shell_exec" {
		t.Errorf("expected 'shell_exec', got %q", tool.Name())
	}
	if !tool.RequiresApproval() {
		t.Error("shell tool must require approval")
	}
	if len(tool.Schema()) == 0 {
		t.Error("expected non-empty schema")
	}
}

func TestShellExecNoOutput(t *testing.T) {
	tool := New(t.TempDir(), 5)
	args, _ := json.Marshal(map[string]any{"command": "true"})
	content, err := tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if content != "(no output)" {
		t.Errorf("expected '(no output)', got %q", content)
	}
}

func TestShellExecBlockedVariants(t *testing.T) {
	tool := New(t.TempDir(), 5)
	blocked := []string{
		"rm -rf /",
		"SUDO reboot",
		"mkfs.ext4 /dev/sda",
		"echo test > /dev/null && dd if=/dev/zero of=/tmp/x",
	}
	for _, cmd := range blocked {
		args, _ := json.Marshal(map[string]any{"command": cmd})
		_, err := tool.Invoke(context.Background(), args)
		if err == nil {
			t.Errorf("expected %q to be blocked", cmd)
		}
	}
}
