package pkpass_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"go.mozilla.org/pkcs7"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/config"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/pkpass"
)

func testSigner(t *testing.T) *pkpass.Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Pass Type ID: pass.com.example.gold"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	return pkpass.NewSigner(cert, key, nil)
}

func testPassTypes(t *testing.T, templateDir string) *config.PassTypes {
	t.Helper()
	pt, err := config.ParsePassTypes([]byte(`
pass_types:
  - identifier: pass.com.example.gold
    tier: gold
    organization_name: Example
    description: Gold membership
    currency_code: USD
    benefits: ["Lounge access"]
    template_dir: ` + templateDir + `
`))
	if err != nil {
		t.Fatalf("ParsePassTypes: %v", err)
	}
	return pt
}

func readArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	out := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		out[f.Name] = b
	}
	return out
}

func TestBuild_SignedArchive(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "icon.png"), []byte("png-bytes"), 0o600); err != nil {
		t.Fatalf("write icon: %v", err)
	}

	b := pkpass.NewBuilder(pkpass.Config{
		TeamID:        "TEAM123",
		WebServiceURL: "https://passes.example.com",
		AuthToken:     "0123456789abcdef",
		PassTypes:     testPassTypes(t, dir),
		Signer:        testSigner(t),
	})

	st := types.PassState{
		SerialNumber:    "TOKEN-42",
		Balance:         "1000",
		LastTransaction: &types.LastTransaction{Amount: "25", Kind: "PAYMENT"},
		UpcomingEvent:   &types.UpcomingEvent{ID: "7", Name: "Gala", Venue: "Hall A"},
		UpdatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := b.Build("pass.com.example.gold", st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	files := readArchive(t, data)
	for _, name := range []string{"pass.json", "manifest.json", "signature", "icon.png"} {
		if _, ok := files[name]; !ok {
			t.Fatalf("expected %s in archive", name)
		}
	}

	// ── manifest hashes ──
	var manifest map[string]string
	if err := json.Unmarshal(files["manifest.json"], &manifest); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	for _, name := range []string{"pass.json", "icon.png"} {
		sum := sha1.Sum(files[name])
		if manifest[name] != hex.EncodeToString(sum[:]) {
			t.Errorf("manifest hash mismatch for %s", name)
		}
	}
	if _, ok := manifest["signature"]; ok {
		t.Error("signature must not be listed in the manifest")
	}

	// ── detached signature ──
	p7, err := pkcs7.Parse(files["signature"])
	if err != nil {
		t.Fatalf("parse signature: %v", err)
	}
	p7.Content = files["manifest.json"]
	if err := p7.Verify(); err != nil {
		t.Fatalf("verify signature: %v", err)
	}

	// ── pass.json ──
	var doc map[string]any
	if err := json.Unmarshal(files["pass.json"], &doc); err != nil {
		t.Fatalf("pass.json: %v", err)
	}
	if doc["serialNumber"] != "TOKEN-42" || doc["teamIdentifier"] != "TEAM123" {
		t.Errorf("unexpected identity fields %v", doc)
	}
	if doc["authenticationToken"] != "0123456789abcdef" {
		t.Errorf("expected configured auth token, got %v", doc["authenticationToken"])
	}
	card := doc["storeCard"].(map[string]any)
	primary := card["primaryFields"].([]any)[0].(map[string]any)
	if primary["value"] != float64(1000) || primary["currencyCode"] != "USD" {
		t.Errorf("unexpected balance field %v", primary)
	}
}

func TestBuild_UnknownPassType(t *testing.T) {
	b := pkpass.NewBuilder(pkpass.Config{
		PassTypes: testPassTypes(t, ""),
		Signer:    testSigner(t),
	})
	_, err := b.Build("pass.com.example.nope", types.PassState{SerialNumber: "TOKEN-1", Balance: "0"})
	if !errors.Is(err, pkpass.ErrUnknownPassType) {
		t.Fatalf("expected ErrUnknownPassType, got %v", err)
	}
}

func TestBuild_NoSigner(t *testing.T) {
	b := pkpass.NewBuilder(pkpass.Config{PassTypes: testPassTypes(t, "")})
	if b.CanSign() {
		t.Fatal("expected CanSign false without signer")
	}
	_, err := b.Build("pass.com.example.gold", types.PassState{SerialNumber: "TOKEN-1", Balance: "0"})
	if !errors.Is(err, pkpass.ErrNoSigner) {
		t.Fatalf("expected ErrNoSigner, got %v", err)
	}
}
