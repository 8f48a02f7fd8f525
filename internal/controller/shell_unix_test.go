//go:build !windows

package controller

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/kestrel/internal/shell"
)

func TestShellOverWebBridge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Web.Token = "bridge-token"
	c := startController(t, cfg)

	acfg := agentConfig(t)
	acfg.Server = listenerAddr(t, c)
	acfg.Shell.Command = "/bin/sh"
	runAgent(t, acfg)
	waitFor(t, "agent live", live(c, agentID))

	stdinR, stdinW := io.Pipe()
	var stdout, stderr bytes.Buffer
	client, err := shell.NewClient(shell.ClientConfig{
		BaseURL:  "http://" + c.WebAddress(),
		Token:    "bridge-token",
		TargetID: agentID,
		Stdin:    stdinR,
		Stdout:   &stdout,
		Stderr:   &stderr,
	})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		stdinW.Write([]byte("echo marker-$((6*7))\n"))
		time.Sleep(100 * time.Millisecond)
		stdinW.Write([]byte("exit 4\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code, err := client.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v (stderr %q)", err, stderr.String())
	}
	if code != 4 {
		t.Errorf("Run() = %d, want 4", code)
	}
	if !strings.Contains(stdout.String(), "marker-42") {
		t.Errorf("stdout = %q, want marker-42", stdout.String())
	}
}
