package recovery

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "relay")
		panic("boom")
	}()
	wg.Wait()

	out := buf.String()
	for _, want := range []string{"panic recovered", "relay", "boom", "stack="} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestRecoverWithLog_NoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer RecoverWithLog(logger, "quiet")
	}()

	if buf.Len() > 0 {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestRecoverWithLog_NilLogger(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer RecoverWithLog(nil, "nil")
		panic("ignored")
	}()
	<-done
}

func TestHook(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	SetHook(func(name string, r any) {
		mu.Lock()
		seen = append(seen, fmt.Sprintf("%s:%v", name, r))
		mu.Unlock()
	})
	t.Cleanup(func() { SetHook(nil) })

	func() {
		defer RecoverWithLog(nil, "first")
		panic("one")
	}()
	func() {
		defer RecoverWithLog(nil, "quiet")
	}()

	SetHook(nil)
	func() {
		defer RecoverWithLog(nil, "unhooked")
		panic("two")
	}()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "first:one" {
		t.Errorf("hook saw %v, want [first:one]", seen)
	}
}

type signalWriter chan string

func (w signalWriter) Write(p []byte) (int, error) {
	w <- string(p)
	return len(p), nil
}

func TestGo(t *testing.T) {
	w := make(signalWriter, 1)
	logger := slog.New(slog.NewTextHandler(w, nil))

	Go(logger, "worker", func() {
		panic("worker failed")
	})

	out := <-w
	if !strings.Contains(out, "worker failed") {
		t.Errorf("panic not logged: %s", out)
	}
}
