package exec

import (
	"context"
	"errors"
	"testing"
)

func TestOSRunner(t *testing.T) {
	r := NewRunner()
	out, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo $CAIRN_X"}, Env: []string{"CAIRN_X=hello"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != "hello\n" {
		t.Errorf("out = %q", out)
	}

	_, err = r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo nope; exit 3"}})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.ExitCode != 3 || string(exitErr.Output) != "nope\n" {
		t.Errorf("exit = %d output = %q", exitErr.ExitCode, exitErr.Output)
	}
}

func TestFakeLongestPrefix(t *testing.T) {
	f := NewFake().
		On("git", Response{Output: "generic"}).
		On("git push", Response{Output: "rejected", ExitCode: 1})

	out, err := f.Run(context.Background(), Command{Name: "git", Args: []string{"status"}})
	if err != nil || string(out) != "generic" {
		t.Errorf("status: out=%q err=%v", out, err)
	}
	_, err = f.Run(context.Background(), Command{Name: "git", Args: []string{"push", "origin"}})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if got := f.Commands(); len(got) != 2 || got[1] != "git push origin" {
		t.Errorf("Commands() = %v", got)
	}
}
