package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type tokenDoc struct {
	TokenName     string            `json:"token_name"`
	Symbol        string            `json:"symbol"`
	Network       string            `json:"network"`
	InitialSupply string            `json:"initial_supply"`
	Decimals      int               `json:"decimals"`
	OwnerAddress  string            `json:"owner_address"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func validToken() tokenDoc {
	return tokenDoc{
		TokenName:     "Mint Token",
		Symbol:        "MNT",
		Network:       "sepolia",
		InitialSupply: "1000000",
		Decimals:      18,
		OwnerAddress:  "0x52908400098527886E0F7030069857D2E4169EE7",
	}
}

func TestSchemaRegistry_TokenDeployment(t *testing.T) {
	sr := NewSchemaRegistry()

	tests := []struct {
		name     string
		mutate   func(*tokenDoc)
		wantPath string
	}{
		{"valid", func(*tokenDoc) {}, ""},
		{"valid with metadata", func(d *tokenDoc) { d.Metadata = map[string]string{"website": "https://mint.example"} }, ""},
		{"lowercase symbol", func(d *tokenDoc) { d.Symbol = "mnt" }, "symbol"},
		{"unknown network", func(d *tokenDoc) { d.Network = "solana" }, "network"},
		{"zero supply", func(d *tokenDoc) { d.InitialSupply = "0" }, "initial_supply"},
		{"too many decimals", func(d *tokenDoc) { d.Decimals = 30 }, "decimals"},
		{"bad owner", func(d *tokenDoc) { d.OwnerAddress = "0x1234" }, "owner_address"},
		{"empty name", func(d *tokenDoc) { d.TokenName = "" }, "token_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validToken()
			tt.mutate(&doc)

			err := sr.Validate(SchemaTokenDeployment, doc)
			if tt.wantPath == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}

			var se *SchemaError
			if !errors.As(err, &se) {
				t.Fatalf("Validate() error = %v, want *SchemaError", err)
			}
			found := false
			for _, f := range se.Fields {
				if strings.Contains(f.Path, tt.wantPath) {
					found = true
				}
			}
			if !found {
				t.Errorf("fields = %+v, want a violation at %s", se.Fields, tt.wantPath)
			}
		})
	}
}

func TestSchemaRegistry_ClosedDefinition(t *testing.T) {
	sr := NewSchemaRegistry()

	doc := map[string]interface{}{
		"token_name":     "Mint",
		"symbol":         "MNT",
		"network":        "sepolia",
		"initial_supply": "100",
		"decimals":       18,
		"owner_address":  "0x52908400098527886E0F7030069857D2E4169EE7",
		"admin_key":      "secret",
	}
	if err := sr.Validate(SchemaTokenDeployment, doc); err == nil {
		t.Error("Validate() accepted a field outside the definition")
	}
}

func TestSchemaRegistry_Register(t *testing.T) {
	sr := NewSchemaRegistry()

	err := sr.RegisterSchema("transfer", `
#Transfer: {
	to:     string & =~"^0x[0-9a-fA-F]{40}$"
	amount: int & >0
}
`, "#Transfer")
	if err != nil {
		t.Fatalf("RegisterSchema() error = %v", err)
	}

	if got := strings.Join(sr.ListSchemas(), ","); got != "token_deployment,transfer" {
		t.Errorf("ListSchemas() = %s", got)
	}

	ok := map[string]interface{}{"to": "0x52908400098527886E0F7030069857D2E4169EE7", "amount": 5}
	if err := sr.Validate("transfer", ok); err != nil {
		t.Errorf("Validate(valid) error = %v", err)
	}
	bad := map[string]interface{}{"to": "0x52908400098527886E0F7030069857D2E4169EE7", "amount": 0}
	if err := sr.Validate("transfer", bad); err == nil {
		t.Error("Validate(amount=0) succeeded")
	}
}

func TestSchemaRegistry_RegisterErrors(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", "#X: {", "#X"); err == nil {
		t.Error("RegisterSchema() with syntax error succeeded")
	}
	if err := sr.RegisterSchema("missing", "#X: {a: int}", "#Y"); err == nil {
		t.Error("RegisterSchema() with unknown definition succeeded")
	}
	if err := sr.Validate("nope", struct{}{}); err == nil {
		t.Error("Validate() with unknown schema succeeded")
	}
}

func TestSchemaRegistry_LoadSchemaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memo.cue")
	if err := os.WriteFile(path, []byte("#Memo: {text: string & !=\"\"}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sr := NewSchemaRegistry()
	if err := sr.LoadSchemaFile("memo", path, "#Memo"); err != nil {
		t.Fatalf("LoadSchemaFile() error = %v", err)
	}
	if err := sr.Validate("memo", map[string]string{"text": ""}); err == nil {
		t.Error("Validate() accepted empty text")
	}
}

func TestSchemaError_Message(t *testing.T) {
	err := &SchemaError{Schema: "token_deployment", Fields: []FieldError{
		{Path: "symbol", Message: "invalid value"},
		{Message: "incomplete"},
	}}
	want := "schema token_deployment: symbol: invalid value; incomplete"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
