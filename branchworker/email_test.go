/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package branchworker

import (
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"chainguard.dev/patchbridge/config"
	"chainguard.dev/patchbridge/patchwork"
	"chainguard.dev/patchbridge/status"
)

const testBoundary = "================asdf"

func testEmailConfig(allowlist []string, ignore bool) *config.EmailConfig {
	patterns := make([]*regexp.Regexp, 0, len(allowlist))
	for _, p := range allowlist {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	return &config.EmailConfig{
		SMTPHost:           "mail.example.com",
		SMTPPort:           465,
		SMTPUser:           "bot-bpf-ci",
		SMTPFrom:           "bot+bpf-ci@example.com",
		SMTPPass:           "super-secret-is-king",
		SMTPTo:             []string{"email1-to@example.com", "email2-to@example.com"},
		SMTPCc:             []string{"email1-cc@example.com", "email2-cc@example.com"},
		SMTPHTTPProxy:      "http://example.com:8080",
		SubmitterAllowlist: patterns,
		IgnoreAllowlist:    ignore,
	}
}

func testSeries() *patchwork.Series {
	return &patchwork.Series{
		ID:        0,
		Name:      "foo",
		Version:   0,
		WebURL:    "https://example.com",
		Submitter: "a-user@example.com",
		Patches:   []patchwork.Patch{{MsgID: "patch1-msgid@localhost"}},
	}
}

func TestEmailInSubmitterAllowlistLiteral(t *testing.T) {
	allowlist := []*regexp.Regexp{
		regexp.MustCompile("asdf@gmail.com"),
		regexp.MustCompile("some.email@domain.xyz"),
	}
	cases := []struct {
		email string
		want  bool
	}{
		{"asdf@gmail.com", true},
		{"zzz@gmail.com", false},
		// No partial matches allowed.
		{"asdf@gmail.com.xyz", false},
		{"leading-asdf@gmail.com", false},
		{"some.email@domain.xyz", true},
		// False positives are allowed, this is a rollout mechanism.
		{"somezemail@domain.xyz", true},
	}
	for _, tc := range cases {
		if got := EmailInSubmitterAllowlist(tc.email, allowlist); got != tc.want {
			t.Errorf("EmailInSubmitterAllowlist(%q) = %v, want %v", tc.email, got, tc.want)
		}
	}
}

func TestEmailInSubmitterAllowlistRegex(t *testing.T) {
	allowlist := []*regexp.Regexp{
		regexp.MustCompile(`^[a-gA-G].*`),
		regexp.MustCompile(`some.email@domain.xyz`),
	}
	cases := []struct {
		email string
		want  bool
	}{
		{"asdf@gmail.com", true},
		{"Asdf@gmail.com", true},
		{"gsdf@gmail.com", true},
		{"Gsdf@gmail.com", true},
		{"zzz@gmail.com", false},
		{"Zzz@gmail.com", false},
		{"some.email@domain.xyz", true},
	}
	for _, tc := range cases {
		if got := EmailInSubmitterAllowlist(tc.email, allowlist); got != tc.want {
			t.Errorf("EmailInSubmitterAllowlist(%q) = %v, want %v", tc.email, got, tc.want)
		}
	}
}

func TestBuildEmailSubmitterInAllowlist(t *testing.T) {
	cfg := testEmailConfig([]string{"a-user@example.com"}, false)

	cmd, msg := BuildEmail(cfg, testSeries(), "[PATCH bpf] my subject", "my-id", "body body body", testBoundary)

	wantCmd := []string{
		"curl",
		"--silent",
		"--show-error",
		"--ssl-reqd",
		"smtps://mail.example.com",
		"--mail-from", "bot+bpf-ci@example.com",
		"--user", "bot-bpf-ci:super-secret-is-king",
		"--crlf",
		"--upload-file", "-",
		"--mail-rcpt", "email1-to@example.com",
		"--mail-rcpt", "email2-to@example.com",
		"--mail-rcpt", "a-user@example.com",
		"--mail-rcpt", "email1-cc@example.com",
		"--mail-rcpt", "email2-cc@example.com",
		"--proxy", "http://example.com:8080",
	}
	if diff := cmp.Diff(wantCmd, cmd); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}

	for _, want := range []string{
		"Subject: [PATCH bpf] my subject",
		"In-Reply-To: <my-id>",
		"To: email1-to@example.com, email2-to@example.com, a-user@example.com",
		"Cc: email1-cc@example.com, email2-cc@example.com",
		"boundary=\"" + testBoundary + "\"",
		"body body body",
		"--" + testBoundary + "--",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestBuildEmailSubmitterNotInAllowlist(t *testing.T) {
	cfg := testEmailConfig([]string{"email1-allow@example.com", "email2-allow@example.com"}, false)

	cmd, _ := BuildEmail(cfg, testSeries(), "my subject", "my-id", "body body", testBoundary)

	for _, arg := range cmd {
		if arg == "a-user@example.com" {
			t.Errorf("submitter outside allowlist got a --mail-rcpt: %v", cmd)
		}
	}
}

func TestBuildEmailIgnoreAllowlist(t *testing.T) {
	cfg := testEmailConfig([]string{"email1-allow@example.com"}, true)

	cmd, _ := BuildEmail(cfg, testSeries(), "[PATCH bpf-next] some-subject", "my-id", "zzzzz\nzz", testBoundary)

	found := false
	for i, arg := range cmd {
		if arg == "--mail-rcpt" && i+1 < len(cmd) && cmd[i+1] == "a-user@example.com" {
			found = true
		}
	}
	if !found {
		t.Errorf("ignore_allowlist did not add the submitter: %v", cmd)
	}
}

func TestFurnishCIEmailBody(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		body := FurnishCIEmailBody(EmailBodyContext{
			Status:         status.Success,
			SubmissionName: "[bpf] Successful patchset",
			PatchworkURL:   "https://patchwork.com/success",
			GithubURL:      "https://github.com/success",
		})
		for _, want := range []string{"SUCCESS", "[bpf] Successful patchset", "https://patchwork.com/success", "https://github.com/success"} {
			if !strings.Contains(body, want) {
				t.Errorf("body missing %q:\n%s", want, body)
			}
		}
		if strings.Contains(body, "failing tests") {
			t.Errorf("success body mentions failures:\n%s", body)
		}
	})

	t.Run("failure includes inline logs", func(t *testing.T) {
		body := FurnishCIEmailBody(EmailBodyContext{
			Status:         status.Failure,
			SubmissionName: "[bpf] Failing patchset",
			PatchworkURL:   "https://patchwork.com/failure",
			GithubURL:      "https://github.com/failure",
			InlineLogs:     "#42 some_test:FAIL",
		})
		for _, want := range []string{"FAILURE", "#42 some_test:FAIL", "failing tests"} {
			if !strings.Contains(body, want) {
				t.Errorf("body missing %q:\n%s", want, body)
			}
		}
	})

	t.Run("conflict asks for rebase", func(t *testing.T) {
		body := FurnishCIEmailBody(EmailBodyContext{
			Status:         status.Conflict,
			SubmissionName: "[bpf-next] Conflicting patchset",
			PatchworkURL:   "https://patchwork.com/conflict",
			GithubURL:      "https://github.com/conflict",
		})
		for _, want := range []string{"CONFLICT", "rebase"} {
			if !strings.Contains(body, want) {
				t.Errorf("body missing %q:\n%s", want, body)
			}
		}
	})
}
