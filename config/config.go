/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package config loads and validates the patchbridge daemon configuration.
//
// Only configuration version 3 is supported; any other version is a fatal
// startup error. The tag-to-branch routing table is order sensitive, so it
// is decoded into a slice preserving the JSON object's insertion order
// rather than into a map.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

const (
	// SupportedVersion is the only config file version the daemon accepts.
	SupportedVersion = 3

	// DefaultBranchKey routes series whose tags match no explicit entry.
	DefaultBranchKey = "__DEFAULT__"

	// SeriesTargetSeparator splits a head ref into series prefix and target.
	SeriesTargetSeparator = "=>"

	// SeriesIDSeparator splits the series prefix into label and numeric id.
	SeriesIDSeparator = "/"

	defaultSMTPPort       = 465
	defaultUpstreamBranch = "master"
)

// UnsupportedConfigVersionError reports a config file whose version field is
// not SupportedVersion.
type UnsupportedConfigVersionError struct {
	Version int
}

func (e *UnsupportedConfigVersionError) Error() string {
	return fmt.Sprintf("unsupported config version %d", e.Version)
}

// InvalidConfigError reports a structurally valid JSON document that violates
// a semantic constraint of the configuration.
type InvalidConfigError struct {
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s", e.Reason)
}

func invalidf(format string, args ...any) error {
	return &InvalidConfigError{Reason: fmt.Sprintf(format, args...)}
}

// GithubAppAuthConfig carries GitHub App installation credentials. Exactly one
// of private_key and private_key_path must be present in the source JSON; a
// path is resolved to its contents at load time.
type GithubAppAuthConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKey     []byte
}

type githubAppAuthJSON struct {
	AppID          int64   `json:"app_id"`
	InstallationID int64   `json:"installation_id"`
	PrivateKey     *string `json:"private_key"`
	PrivateKeyPath *string `json:"private_key_path"`
}

func (a *GithubAppAuthConfig) UnmarshalJSON(data []byte) error {
	var raw githubAppAuthJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if (raw.PrivateKey == nil) == (raw.PrivateKeyPath == nil) {
		return invalidf("github_app_auth expects to have private_key OR private_key_path")
	}
	var key []byte
	if raw.PrivateKey != nil {
		key = []byte(*raw.PrivateKey)
	} else {
		b, err := os.ReadFile(*raw.PrivateKeyPath)
		if err != nil {
			return invalidf("failed to read github_app_auth private key %s: %v", *raw.PrivateKeyPath, err)
		}
		key = b
	}
	if len(key) == 0 {
		return invalidf("failed to load github_app_auth private key")
	}
	*a = GithubAppAuthConfig{
		AppID:          raw.AppID,
		InstallationID: raw.InstallationID,
		PrivateKey:     key,
	}
	return nil
}

// BranchConfig describes one (downstream repo, target branch) worker.
type BranchConfig struct {
	Repo             string               `json:"repo"`
	UpstreamRepo     string               `json:"upstream"`
	UpstreamBranch   string               `json:"upstream_branch"`
	CIRepo           string               `json:"ci_repo"`
	CIBranch         string               `json:"ci_branch"`
	GithubOauthToken string               `json:"github_oauth_token"`
	GithubAppAuth    *GithubAppAuthConfig `json:"github_app_auth"`
}

// EmailConfig configures the CI notification mailer.
type EmailConfig struct {
	SMTPHost      string   `json:"host"`
	SMTPPort      int      `json:"port"`
	SMTPUser      string   `json:"user"`
	SMTPFrom      string   `json:"from"`
	SMTPPass      string   `json:"pass"`
	SMTPTo        []string `json:"to"`
	SMTPCc        []string `json:"cc"`
	SMTPHTTPProxy string   `json:"http_proxy"`

	// SubmitterAllowlist limits which patch submitters receive notifications
	// for their own submissions while the feature is being rolled out. Each
	// entry is a regular expression matched fully against the submitter
	// address.
	SubmitterAllowlist []*regexp.Regexp `json:"-"`

	// IgnoreAllowlist sends to all submitters regardless of the allowlist.
	IgnoreAllowlist bool `json:"ignore_allowlist"`
}

func (e *EmailConfig) UnmarshalJSON(data []byte) error {
	type alias EmailConfig
	aux := struct {
		*alias
		SubmitterAllowlist []string `json:"submitter_allowlist"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if e.SMTPPort == 0 {
		e.SMTPPort = defaultSMTPPort
	}
	for _, pattern := range aux.SubmitterAllowlist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return invalidf("bad submitter_allowlist pattern %q: %v", pattern, err)
		}
		e.SubmitterAllowlist = append(e.SubmitterAllowlist, re)
	}
	return nil
}

// PatchworkConfig configures the patch tracker client.
type PatchworkConfig struct {
	Server         string           `json:"server"`
	Project        string           `json:"project"`
	SearchPatterns []map[string]any `json:"search_patterns"`
	LookbackDays   int              `json:"lookback"`
	APIUsername    string           `json:"api_username"`
	APIToken       string           `json:"api_token"`
}

// TagMapping is one routing table entry: the first entry whose tag appears in
// a series' tag set decides the candidate branch order.
type TagMapping struct {
	Tag      string
	Branches []string
}

// TagToBranchMapping preserves the insertion order of the source JSON object,
// which expresses tag priority.
type TagToBranchMapping []TagMapping

func (m *TagToBranchMapping) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return invalidf("tag_to_branch_mapping must be an object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)
		var branches []string
		if err := dec.Decode(&branches); err != nil {
			return invalidf("tag_to_branch_mapping[%s]: %v", key, err)
		}
		*m = append(*m, TagMapping{Tag: key, Branches: branches})
	}
	_, err = dec.Token() // closing brace
	return err
}

// Lookup returns the branch list for tag, reporting whether the tag exists.
func (m TagToBranchMapping) Lookup(tag string) ([]string, bool) {
	for _, entry := range m {
		if entry.Tag == tag {
			return entry.Branches, true
		}
	}
	return nil, false
}

// Default returns the __DEFAULT__ branch list, possibly empty.
func (m TagToBranchMapping) Default() []string {
	branches, _ := m.Lookup(DefaultBranchKey)
	return branches
}

// Config is the version 3 daemon configuration.
type Config struct {
	Version            int                     `json:"version"`
	BaseDirectory      string                  `json:"base_directory"`
	Patchwork          PatchworkConfig         `json:"patchwork"`
	Email              *EmailConfig            `json:"email"`
	Branches           map[string]BranchConfig `json:"branches"`
	BranchOrder        []string                `json:"-"`
	TagToBranchMapping TagToBranchMapping      `json:"tag_to_branch_mapping"`
}

// Parse decodes and validates a version 3 configuration document.
func Parse(data []byte) (*Config, error) {
	var version struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &version); err != nil {
		return nil, invalidf("decoding: %v", err)
	}
	if version.Version != SupportedVersion {
		return nil, &UnsupportedConfigVersionError{Version: version.Version}
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, invalidf("decoding: %v", err)
	}

	for name, branch := range cfg.Branches {
		if branch.UpstreamBranch == "" {
			branch.UpstreamBranch = defaultUpstreamBranch
			cfg.Branches[name] = branch
		}
	}
	cfg.BranchOrder = orderedObjectKeys(data, "branches")

	for _, entry := range cfg.TagToBranchMapping {
		for _, branch := range entry.Branches {
			if _, ok := cfg.Branches[branch]; !ok {
				return nil, invalidf("branch *%s* in `tag_to_branch_mapping` is not defined in `branches`", branch)
			}
		}
	}

	return &cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// orderedObjectKeys returns the keys of the top-level object field in source
// order. Ordering matters for worker scheduling stability; encoding/json maps
// do not keep it.
func orderedObjectKeys(data []byte, field string) []string {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil {
		return nil
	} else if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil
		}
		if keyTok.(string) != field {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil
			}
			continue
		}
		if tok, err := dec.Token(); err != nil {
			return nil
		} else if delim, ok := tok.(json.Delim); !ok || delim != '{' {
			return nil
		}
		var keys []string
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil
			}
			keys = append(keys, keyTok.(string))
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil
			}
		}
		return keys
	}
	return nil
}
