package auth

import (
	"errors"
	"testing"
	"time"

	logs "github.com/danmuck/chatlink/internal/logging"
	"github.com/danmuck/chatlink/internal/testutil/testlog"
)

func TestPasswordsCheck(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		table   Passwords
		user    string
		input   string
		wantErr error
	}{
		{name: "missing user denied", table: nil, user: "", input: "x", wantErr: ErrUnauthorized},
		{name: "nil table accepts", table: nil, user: "alice", input: "anything", wantErr: nil},
		{name: "unknown user denied", table: Passwords{"bob": "pw"}, user: "alice", input: "pw", wantErr: ErrUnauthorized},
		{name: "wrong password denied", table: Passwords{"alice": "pw"}, user: "alice", input: "nope", wantErr: ErrUnauthorized},
		{name: "matching password accepted", table: Passwords{"alice": "pw"}, user: "alice", input: "pw", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.table.Check(tc.user, tc.input)
			logs.Logf("auth/passwords: user=%q result err=%v", tc.user, err)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestIssuerRoundTrip(t *testing.T) {
	testlog.Start(t)
	iss := Issuer{Secret: []byte("s3cret"), TTL: time.Minute}
	token, err := iss.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	subject, err := iss.Verify(token)
	if err != nil || subject != "alice" {
		t.Fatalf("verify: subject=%q err=%v", subject, err)
	}

	again, err := iss.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if again == token {
		t.Fatalf("tokens must be unique per issue")
	}
}

func TestIssuerRejects(t *testing.T) {
	testlog.Start(t)
	iss := Issuer{Secret: []byte("s3cret"), TTL: time.Minute}
	token, err := iss.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := Issuer{Secret: []byte("other"), TTL: time.Minute}
	if _, err := other.Verify(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign secret must be rejected, got %v", err)
	}

	late := iss
	late.Now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := late.Verify(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired token must be rejected, got %v", err)
	}

	if _, err := iss.Verify("not-a-token"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("garbage must be rejected, got %v", err)
	}
	if _, err := (Issuer{}).Issue("alice"); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}
