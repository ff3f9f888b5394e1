package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3")
	if got := GetVersion(); got != "1.2.3" {
		t.Fatalf("GetVersion() = %q, want %q", got, "1.2.3")
	}

	cmd := newVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.Run(cmd, nil)

	if !strings.Contains(out.String(), "converge version 1.2.3") {
		t.Errorf("version output = %q, want it to mention the version", out.String())
	}
}
