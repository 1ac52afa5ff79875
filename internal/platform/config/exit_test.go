package config

import (
	"bytes"
	"testing"
)

func TestExitfWritesMessageAndExitsWithCode1(t *testing.T) {
	var buf bytes.Buffer
	code := -1
	prevStderr, prevExit := stderr, exit
	stderr = &buf
	exit = func(c int) { code = c }
	t.Cleanup(func() {
		stderr, exit = prevStderr, prevExit
	})

	Exitf("fatal: %s", "something broke")

	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if got := buf.String(); got != "fatal: something broke\n" {
		t.Fatalf("stderr = %q", got)
	}
}
