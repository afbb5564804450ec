// Package policy loads per-campaign sweep policy files.
//
// A policy file sets the optional checks and archive settings for one
// production campaign. Every field is optional; only the fields present in
// the file override the configured values.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/gridsweep/pkg/validate"
)

// Verify modes.
const (
	VerifyMeta = "meta"
	VerifyFull = "full"
)

// Policy is a parsed policy file.
type Policy struct {
	// Schema is the optional JSON schema URL for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	Version string        `json:"version" yaml:"version"`
	Check   CheckPolicy   `json:"check,omitempty" yaml:"check,omitempty"`
	Archive ArchivePolicy `json:"archive,omitempty" yaml:"archive,omitempty"`
}

// CheckPolicy holds validation and promotion settings.
type CheckPolicy struct {
	LogGlob         *string   `json:"log_glob,omitempty" yaml:"log_glob,omitempty"`
	MetaSuffix      *string   `json:"meta_suffix,omitempty" yaml:"meta_suffix,omitempty"`
	MetaPairing     *bool     `json:"meta_pairing,omitempty" yaml:"meta_pairing,omitempty"`
	Verify          *string   `json:"verify,omitempty" yaml:"verify,omitempty"`
	CrossSubmission *bool     `json:"cross_submission,omitempty" yaml:"cross_submission,omitempty"`
	MinAge          *Duration `json:"min_age,omitempty" yaml:"min_age,omitempty"`
	MaxSuffix       *int      `json:"max_suffix,omitempty" yaml:"max_suffix,omitempty"`
}

// ArchivePolicy holds archival settings.
type ArchivePolicy struct {
	Allow          []string  `json:"allow,omitempty" yaml:"allow,omitempty"`
	MaxTries       *int      `json:"max_tries,omitempty" yaml:"max_tries,omitempty"`
	InitialBackoff *Duration `json:"initial_backoff,omitempty" yaml:"initial_backoff,omitempty"`
	Keep           *bool     `json:"keep,omitempty" yaml:"keep,omitempty"`
}

// ApplyDefaults normalizes optional fields.
func (p *Policy) ApplyDefaults() {
	if v := p.Check.Verify; v != nil {
		s := strings.ToLower(strings.TrimSpace(*v))
		p.Check.Verify = &s
	}
	allow := p.Archive.Allow[:0]
	for _, a := range p.Archive.Allow {
		if a = strings.TrimSpace(a); a != "" {
			allow = append(allow, a)
		}
	}
	p.Archive.Allow = allow
}

// Apply returns base with the check settings present in c.
func (c CheckPolicy) Apply(base validate.Policy) validate.Policy {
	if c.LogGlob != nil {
		base.LogGlob = *c.LogGlob
	}
	if c.MetaSuffix != nil {
		base.MetaSuffix = *c.MetaSuffix
	}
	if c.MetaPairing != nil {
		base.MetaPairing = *c.MetaPairing
	}
	if c.Verify != nil {
		base.FullVerify = *c.Verify == VerifyFull
	}
	if c.CrossSubmission != nil {
		base.CrossSubmission = *c.CrossSubmission
	}
	return base
}

// Duration is a time.Duration written as a Go duration string ("90m").
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("duration %q is negative", s)
	}
	d.Duration = v
	return nil
}
