package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PassType describes how passes of one pass type identifier are rendered.
// Tiers (gold, platinum, ...) are separate pass types.
type PassType struct {
	Identifier       string   `yaml:"identifier"`
	Tier             string   `yaml:"tier"`
	OrganizationName string   `yaml:"organization_name"`
	Description      string   `yaml:"description"`
	LogoText         string   `yaml:"logo_text"`
	ForegroundColor  string   `yaml:"foreground_color"`
	BackgroundColor  string   `yaml:"background_color"`
	LabelColor       string   `yaml:"label_color"`
	CurrencyCode     string   `yaml:"currency_code"`
	Benefits         []string `yaml:"benefits"`
	// TemplateDir holds icon.png, logo.png and friends copied into every
	// pass of this type.
	TemplateDir string `yaml:"template_dir"`
}

type PassTypes struct {
	Types []PassType `yaml:"pass_types"`
	byID  map[string]PassType
}

// LoadPassTypes parses the YAML catalogue at path.
func LoadPassTypes(path string) (*PassTypes, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pass types: %w", err)
	}
	return ParsePassTypes(b)
}

func ParsePassTypes(b []byte) (*PassTypes, error) {
	var pt PassTypes
	if err := yaml.Unmarshal(b, &pt); err != nil {
		return nil, fmt.Errorf("parse pass types: %w", err)
	}

	pt.byID = make(map[string]PassType, len(pt.Types))
	for i, t := range pt.Types {
		t.Identifier = strings.TrimSpace(t.Identifier)
		if t.Identifier == "" {
			return nil, fmt.Errorf("pass type %d: identifier is required", i)
		}
		if _, dup := pt.byID[t.Identifier]; dup {
			return nil, fmt.Errorf("pass type %s: duplicate identifier", t.Identifier)
		}
		pt.byID[t.Identifier] = t
	}
	return &pt, nil
}

func (p *PassTypes) Lookup(id string) (PassType, bool) {
	if p == nil {
		return PassType{}, false
	}
	t, ok := p.byID[id]
	return t, ok
}
