package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/roomwatch/db"
	"github.com/onnwee/roomwatch/testutil"
)

func run(t *testing.T, open openFunc, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestArgumentValidation(t *testing.T) {
	opened := false
	failOpen := func(context.Context, string) (*sql.DB, error) {
		opened = true
		return nil, errors.New("no database in this test")
	}

	tests := []struct {
		name    string
		args    []string
		wantErr string
		opens   bool
	}{
		{name: "set without token", args: []string{"set", "--dsn", "x"}, wantErr: "accepts 1 arg"},
		{name: "show with extra arg", args: []string{"show", "extra", "--dsn", "x"}, wantErr: "unknown command"},
		{name: "missing dsn", args: []string{"clear", "--dsn", ""}, wantErr: "DSN required"},
		{name: "empty name", args: []string{"clear", "--dsn", "x", "--name", ""}, wantErr: "name must not be empty"},
		{name: "negative expiry", args: []string{"set", "tok", "--dsn", "x", "--expires", "-1h"}, wantErr: "must not be negative"},
		{name: "open failure surfaces", args: []string{"reseal", "--dsn", "x"}, wantErr: "open database", opens: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opened = false
			_, err := run(t, failOpen, "", tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
			if opened != tt.opens {
				t.Errorf("database opened = %v, want %v", opened, tt.opens)
			}
		})
	}
}

func TestReadToken(t *testing.T) {
	tests := []struct {
		arg, stdin, want string
		wantErr          bool
	}{
		{arg: " abc ", want: "abc"},
		{arg: "-", stdin: "from-stdin\nignored\n", want: "from-stdin"},
		{arg: "-", stdin: "no-newline", want: "no-newline"},
		{arg: "-", stdin: "", wantErr: true},
		{arg: "   ", wantErr: true},
	}
	for _, tt := range tests {
		got, err := readToken(tt.arg, strings.NewReader(tt.stdin))
		if (err != nil) != tt.wantErr {
			t.Errorf("readToken(%q) err = %v, wantErr %v", tt.arg, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("readToken(%q) = %q, want %q", tt.arg, got, tt.want)
		}
	}
}

func TestMaskToken(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"short":        "*****",
		"12345678":     "********",
		"user_session": "user****sion",
	}
	for in, want := range tests {
		if got := maskToken(in); got != want {
			t.Errorf("maskToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDescribeExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if got := describeExpiry(time.Time{}, now); got != "never" {
		t.Errorf("zero expiry = %q", got)
	}
	if got := describeExpiry(now.Add(-time.Minute), now); !strings.HasSuffix(got, "(expired)") {
		t.Errorf("past expiry = %q", got)
	}
	if got := describeExpiry(now.Add(90*time.Minute), now); !strings.HasSuffix(got, "(in 1h30m0s)") {
		t.Errorf("future expiry = %q", got)
	}
}

func TestLifecycle(t *testing.T) {
	database := testutil.SetupTestDB(t)
	name := "test-cli-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = db.DeleteSessionToken(context.Background(), database, name)
	})
	// The command closes the handle it opened; hand out a fresh one each run.
	reopen := func(context.Context, string) (*sql.DB, error) {
		return testutil.SetupTestDB(t), nil
	}

	out, err := run(t, reopen, "user_session_abcdef\n", "set", "-", "--dsn", "x", "--name", name, "--expires", "1h")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !strings.Contains(out, "stored "+name) {
		t.Errorf("set output = %q", out)
	}

	out, err = run(t, reopen, "", "show", "--dsn", "x", "--name", name, "--reveal")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "user_session_abcdef") || !strings.Contains(out, "(in ") {
		t.Errorf("show output = %q", out)
	}

	if _, err := run(t, reopen, "", "reseal", "--dsn", "x"); err != nil {
		t.Fatalf("reseal: %v", err)
	}
	st, err := db.GetSessionToken(context.Background(), database, name)
	if err != nil || st.Token != "user_session_abcdef" {
		t.Fatalf("after reseal token = %q, err = %v", st.Token, err)
	}

	out, err = run(t, reopen, "", "clear", "--dsn", "x", "--name", name)
	if err != nil || !strings.Contains(out, "cleared") {
		t.Fatalf("clear: out=%q err=%v", out, err)
	}
	if _, err := run(t, reopen, "", "show", "--dsn", "x", "--name", name); err == nil {
		t.Error("show after clear succeeded")
	}
}
