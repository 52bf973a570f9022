package verify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const ownerScript = `
def verify(deployment):
    if deployment["state"] != "completed":
        return "deployment is " + deployment["state"]
    if not deployment["tx_hash"].startswith("0x"):
        fail("tx hash is not hex")
    return None
`

func TestScriptVerifier(t *testing.T) {
	v := NewScriptVerifier("owner.star", ownerScript, time.Second, zerolog.Nop())

	tests := []struct {
		name    string
		subject map[string]interface{}
		wantMsg string
	}{
		{"passes", map[string]interface{}{"state": "completed", "tx_hash": "0xabc"}, ""},
		{"string rejection", map[string]interface{}{"state": "pending", "tx_hash": "0xabc"}, "deployment is pending"},
		{"fail rejection", map[string]interface{}{"state": "completed", "tx_hash": "abc"}, "tx hash is not hex"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(context.Background(), tt.subject)
			if tt.wantMsg == "" {
				if err != nil {
					t.Errorf("Verify() error = %v", err)
				}
				return
			}
			var ve *VerificationError
			if !errors.As(err, &ve) {
				t.Fatalf("Verify() error = %v, want *VerificationError", err)
			}
			if !strings.Contains(ve.Message, tt.wantMsg) || ve.Script != "owner.star" {
				t.Errorf("VerificationError = %+v, want message %q", ve, tt.wantMsg)
			}
		})
	}
}

func TestScriptVerifier_ReturnValues(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantReject bool
		wantErr    bool
	}{
		{"true", "return True", false, false},
		{"none", "return None", false, false},
		{"false", "return False", true, false},
		{"int", "return 1", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := "def verify(d):\n    " + tt.body + "\n"
			err := NewScriptVerifier("r.star", script, time.Second, zerolog.Nop()).
				Verify(context.Background(), map[string]interface{}{})

			var ve *VerificationError
			isReject := errors.As(err, &ve)
			if isReject != tt.wantReject {
				t.Errorf("rejected = %v, want %v (err %v)", isReject, tt.wantReject, err)
			}
			if (err != nil && !isReject) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScriptVerifier_MissingVerify(t *testing.T) {
	v := NewScriptVerifier("empty.star", "x = 1\n", time.Second, zerolog.Nop())
	err := v.Verify(context.Background(), nil)
	if err == nil {
		t.Fatal("Verify() without verify() succeeded")
	}
	var ve *VerificationError
	if errors.As(err, &ve) {
		t.Errorf("missing function reported as rejection: %v", err)
	}
}

func TestScriptVerifier_Timeout(t *testing.T) {
	script := `
def verify(d):
    for i in range(1000000000):
        pass
`
	v := NewScriptVerifier("slow.star", script, 50*time.Millisecond, zerolog.Nop())
	if err := v.Verify(context.Background(), nil); !errors.Is(err, ErrTimeout) {
		t.Errorf("Verify() error = %v, want ErrTimeout", err)
	}
}

func TestLoadScriptVerifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "check.star")
	if err := os.WriteFile(path, []byte(ownerScript), 0o644); err != nil {
		t.Fatal(err)
	}

	v, err := LoadScriptVerifier(path, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadScriptVerifier() error = %v", err)
	}
	if v.Name() != "check.star" {
		t.Errorf("Name() = %s", v.Name())
	}
	if err := v.Verify(context.Background(), map[string]interface{}{"state": "completed", "tx_hash": "0x1"}); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	if _, err := LoadScriptVerifier(filepath.Join(t.TempDir(), "missing.star"), 0, zerolog.Nop()); err == nil {
		t.Error("LoadScriptVerifier() of missing file succeeded")
	}
}
