// Package pkpass builds signed Wallet pass archives from stored pass state.
package pkpass

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/shopspring/decimal"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/config"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
)

const ContentType = "application/vnd.apple.pkpass"

var (
	ErrUnknownPassType = errors.New("pkpass: unknown pass type")
	ErrNoSigner        = errors.New("pkpass: no signing certificate configured")
)

type Config struct {
	TeamID        string
	WebServiceURL string
	// AuthToken is embedded as authenticationToken. Empty derives a
	// stable per-pass token.
	AuthToken string
	PassTypes *config.PassTypes
	Signer    *Signer
}

type Builder struct {
	cfg Config
}

func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// CanSign reports whether Build can produce signed archives.
func (b *Builder) CanSign() bool { return b.cfg.Signer != nil }

// Build renders st as a signed .pkpass archive for passTypeID.
func (b *Builder) Build(passTypeID string, st types.PassState) ([]byte, error) {
	pt, ok := b.cfg.PassTypes.Lookup(passTypeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPassType, passTypeID)
	}
	if b.cfg.Signer == nil {
		return nil, ErrNoSigner
	}

	passJSON, err := json.MarshalIndent(b.passJSON(pt, st), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("pkpass: encode pass.json: %w", err)
	}

	files, err := templateFiles(pt.TemplateDir)
	if err != nil {
		return nil, err
	}
	files["pass.json"] = passJSON

	manifest, err := Manifest(files)
	if err != nil {
		return nil, err
	}
	sig, err := b.cfg.Signer.Sign(manifest)
	if err != nil {
		return nil, err
	}
	files["manifest.json"] = manifest
	files["signature"] = sig

	return archive(files, st.UpdatedAt)
}

// ── pass.json ────────────────────────────────────────────────────────────────

type passField struct {
	Key           string `json:"key"`
	Label         string `json:"label,omitempty"`
	Value         any    `json:"value"`
	ChangeMessage string `json:"changeMessage,omitempty"`
	CurrencyCode  string `json:"currencyCode,omitempty"`
	DateStyle     string `json:"dateStyle,omitempty"`
}

type passStructure struct {
	PrimaryFields   []passField `json:"primaryFields"`
	SecondaryFields []passField `json:"secondaryFields,omitempty"`
	AuxiliaryFields []passField `json:"auxiliaryFields,omitempty"`
	BackFields      []passField `json:"backFields,omitempty"`
}

type barcode struct {
	Format          string `json:"format"`
	Message         string `json:"message"`
	MessageEncoding string `json:"messageEncoding"`
}

type passDocument struct {
	FormatVersion       int           `json:"formatVersion"`
	PassTypeIdentifier  string        `json:"passTypeIdentifier"`
	SerialNumber        string        `json:"serialNumber"`
	TeamIdentifier      string        `json:"teamIdentifier"`
	WebServiceURL       string        `json:"webServiceURL,omitempty"`
	AuthenticationToken string        `json:"authenticationToken,omitempty"`
	OrganizationName    string        `json:"organizationName"`
	Description         string        `json:"description"`
	LogoText            string        `json:"logoText,omitempty"`
	ForegroundColor     string        `json:"foregroundColor,omitempty"`
	BackgroundColor     string        `json:"backgroundColor,omitempty"`
	LabelColor          string        `json:"labelColor,omitempty"`
	StoreCard           passStructure `json:"storeCard"`
	Barcodes            []barcode     `json:"barcodes"`
}

func (b *Builder) passJSON(pt config.PassType, st types.PassState) passDocument {
	doc := passDocument{
		FormatVersion:      1,
		PassTypeIdentifier: pt.Identifier,
		SerialNumber:       st.SerialNumber,
		TeamIdentifier:     b.cfg.TeamID,
		OrganizationName:   pt.OrganizationName,
		Description:        pt.Description,
		LogoText:           pt.LogoText,
		ForegroundColor:    pt.ForegroundColor,
		BackgroundColor:    pt.BackgroundColor,
		LabelColor:         pt.LabelColor,
		Barcodes: []barcode{{
			Format:          "PKBarcodeFormatQR",
			Message:         st.SerialNumber,
			MessageEncoding: "iso-8859-1",
		}},
	}
	if b.cfg.WebServiceURL != "" {
		doc.WebServiceURL = b.cfg.WebServiceURL
		doc.AuthenticationToken = b.authToken(pt.Identifier, st.SerialNumber)
	}

	balance := passField{
		Key:           "balance",
		Label:         "BALANCE",
		Value:         st.Balance,
		ChangeMessage: "Balance updated: %@",
	}
	if pt.CurrencyCode != "" {
		if d, err := decimal.NewFromString(st.Balance); err == nil {
			balance.Value = json.Number(d.String())
			balance.CurrencyCode = pt.CurrencyCode
		}
	}
	doc.StoreCard.PrimaryFields = []passField{balance}

	if pt.Tier != "" {
		doc.StoreCard.SecondaryFields = append(doc.StoreCard.SecondaryFields,
			passField{Key: "tier", Label: "TIER", Value: pt.Tier})
	}
	if lt := st.LastTransaction; lt != nil {
		doc.StoreCard.SecondaryFields = append(doc.StoreCard.SecondaryFields, passField{
			Key:           "lastTransaction",
			Label:         "LAST " + lt.Kind,
			Value:         lt.Amount,
			ChangeMessage: lt.Kind + ": %@",
		})
	}
	if ue := st.UpcomingEvent; ue != nil {
		name := ue.Name
		if name == "" {
			name = "Event " + ue.ID
		}
		doc.StoreCard.AuxiliaryFields = append(doc.StoreCard.AuxiliaryFields, passField{
			Key:           "nextEvent",
			Label:         "NEXT EVENT",
			Value:         name,
			ChangeMessage: "Next event: %@",
		})
		if !ue.Date.IsZero() {
			doc.StoreCard.AuxiliaryFields = append(doc.StoreCard.AuxiliaryFields, passField{
				Key:       "nextEventDate",
				Label:     "DATE",
				Value:     ue.Date.UTC().Format(time.RFC3339),
				DateStyle: "PKDateStyleFull",
			})
		}
		if ue.Venue != "" {
			doc.StoreCard.BackFields = append(doc.StoreCard.BackFields,
				passField{Key: "venue", Label: "VENUE", Value: ue.Venue})
		}
	}
	for i, benefit := range pt.Benefits {
		doc.StoreCard.BackFields = append(doc.StoreCard.BackFields,
			passField{Key: fmt.Sprintf("benefit%d", i), Label: "BENEFIT", Value: benefit})
	}
	return doc
}

func (b *Builder) authToken(passTypeID, serial string) string {
	if b.cfg.AuthToken != "" {
		return b.cfg.AuthToken
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(passTypeID+"/"+serial)).String()
}

// ── archive ──────────────────────────────────────────────────────────────────

// Manifest returns manifest.json: the SHA-1 of every file, hex encoded.
func Manifest(files map[string][]byte) ([]byte, error) {
	m := make(map[string]string, len(files))
	for name, data := range files {
		sum := sha1.Sum(data)
		m[name] = hex.EncodeToString(sum[:])
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("pkpass: encode manifest: %w", err)
	}
	return out, nil
}

func templateFiles(dir string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	if dir == "" {
		return files, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("pkpass: read template %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		switch e.Name() {
		case "pass.json", "manifest.json", "signature":
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("pkpass: read template file: %w", err)
		}
		files[e.Name()] = data
	}
	return files, nil
}

func archive(files map[string][]byte, modified time.Time) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	if modified.IsZero() {
		modified = time.Unix(0, 0)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: modified.UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("pkpass: zip %s: %w", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, fmt.Errorf("pkpass: zip %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("pkpass: close zip: %w", err)
	}
	return buf.Bytes(), nil
}
