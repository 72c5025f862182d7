/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package branchworker

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"

	"chainguard.dev/patchbridge/config"
	"chainguard.dev/patchbridge/patchwork"
	"chainguard.dev/patchbridge/status"
)

// DefaultMIMEBoundary separates the parts of notification emails. Tests
// override it through BuildEmail's boundary parameter to keep goldens
// stable.
const DefaultMIMEBoundary = "===============patchbridge=="

// EmailBodyContext carries everything the notification body template needs.
type EmailBodyContext struct {
	Status         status.Status
	SubmissionName string
	PatchworkURL   string
	GithubURL      string
	InlineLogs     string
}

// FurnishCIEmailBody renders the notification body for a CI outcome.
func FurnishCIEmailBody(ctx EmailBodyContext) string {
	var sb strings.Builder
	sb.WriteString("Dear patch submitter,\n\n")
	sb.WriteString("CI has tested the following submission:\n")
	fmt.Fprintf(&sb, "Status:     %s\n", strings.ToUpper(string(ctx.Status)))
	fmt.Fprintf(&sb, "Name:       %s\n", ctx.SubmissionName)
	fmt.Fprintf(&sb, "Patchwork:  %s\n", ctx.PatchworkURL)
	fmt.Fprintf(&sb, "Github:     %s\n", ctx.GithubURL)

	switch ctx.Status {
	case status.Failure:
		sb.WriteString("\nPlease take a look at the failing tests:\n\n")
		sb.WriteString(ctx.InlineLogs)
	case status.Conflict:
		sb.WriteString("\nThe submission did not apply cleanly and needs a rebase.\n")
	}

	sb.WriteString("\n\nPlease note: this email is coming from an unmonitored mailbox.\n")
	return sb.String()
}

// EmailInSubmitterAllowlist reports whether the submitter address fully
// matches any allowlist pattern. Partial matches do not count; overly broad
// patterns matching unintended addresses are an accepted rollout tradeoff.
func EmailInSubmitterAllowlist(email string, allowlist []*regexp.Regexp) bool {
	for _, pattern := range allowlist {
		full, err := regexp.Compile(`^(?:` + pattern.String() + `)$`)
		if err == nil && full.MatchString(email) {
			return true
		}
	}
	return false
}

// BuildEmail composes the delivery command and the MIME message for a CI
// notification. The command array is the exact curl invocation, with one
// --mail-rcpt per recipient: the configured to list, the submitter when the
// allowlist admits them (or is ignored), then the cc list.
func BuildEmail(cfg *config.EmailConfig, series *patchwork.Series, subject, msgID, body, boundary string) ([]string, string) {
	if boundary == "" {
		boundary = DefaultMIMEBoundary
	}

	recipients := append([]string{}, cfg.SMTPTo...)
	if cfg.IgnoreAllowlist || EmailInSubmitterAllowlist(series.Submitter, cfg.SubmitterAllowlist) {
		recipients = append(recipients, series.Submitter)
	}

	cmd := []string{
		"curl",
		"--silent",
		"--show-error",
		"--ssl-reqd",
		"smtps://" + cfg.SMTPHost,
		"--mail-from", cfg.SMTPFrom,
		"--user", cfg.SMTPUser + ":" + cfg.SMTPPass,
		"--crlf",
		"--upload-file", "-",
	}
	for _, rcpt := range recipients {
		cmd = append(cmd, "--mail-rcpt", rcpt)
	}
	for _, rcpt := range cfg.SMTPCc {
		cmd = append(cmd, "--mail-rcpt", rcpt)
	}
	if cfg.SMTPHTTPProxy != "" {
		cmd = append(cmd, "--proxy", cfg.SMTPHTTPProxy)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\n", cfg.SMTPFrom)
	fmt.Fprintf(&msg, "To: %s\n", strings.Join(recipients, ", "))
	if len(cfg.SMTPCc) > 0 {
		fmt.Fprintf(&msg, "Cc: %s\n", strings.Join(cfg.SMTPCc, ", "))
	}
	fmt.Fprintf(&msg, "Subject: %s\n", subject)
	if msgID != "" {
		fmt.Fprintf(&msg, "In-Reply-To: <%s>\n", msgID)
		fmt.Fprintf(&msg, "References: <%s>\n", msgID)
	}
	msg.WriteString("MIME-Version: 1.0\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=\"%s\"\n", boundary)
	msg.WriteString("\n")
	fmt.Fprintf(&msg, "--%s\n", boundary)
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\n")
	msg.WriteString("Content-Transfer-Encoding: 7bit\n")
	msg.WriteString("\n")
	msg.WriteString(body)
	msg.WriteString("\n")
	fmt.Fprintf(&msg, "--%s--\n", boundary)

	return cmd, msg.String()
}

// sendEmail dispatches a composed message through the external SMTP client.
func (w *Worker) sendEmail(ctx context.Context, series *patchwork.Series, subject, body string) error {
	msgID := ""
	if len(series.Patches) > 0 {
		msgID = strings.Trim(series.Patches[0].MsgID, "<>")
	}
	argv, message := BuildEmail(w.emailCfg, series, subject, msgID, body, "")

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(message)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("sending email via %s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// notifyConflict emails the submitter that their series needs a rebase.
func (w *Worker) notifyConflict(ctx context.Context, series *patchwork.Series, pr *github.PullRequest) error {
	body := FurnishCIEmailBody(EmailBodyContext{
		Status:         status.Conflict,
		SubmissionName: series.Name,
		PatchworkURL:   series.WebURL,
		GithubURL:      pr.GetHTMLURL(),
	})
	return w.sendEmail(ctx, series, "RE: "+series.Name, body)
}

// notifyCIResult emails the submitter the terminal CI outcome, inlining the
// interesting log excerpts for failures.
func (w *Worker) notifyCIResult(ctx context.Context, series *patchwork.Series, pr *github.PullRequest, agg status.Status, runs []*github.CheckRun) error {
	inline := ""
	if agg == status.Failure {
		var raw strings.Builder
		for _, run := range runs {
			if status.FromConclusion(run.GetConclusion()) != status.Failure {
				continue
			}
			fmt.Fprintf(&raw, "# %s\n", run.GetName())
			if out := run.GetOutput(); out != nil {
				if out.GetSummary() != "" {
					raw.WriteString(out.GetSummary())
					raw.WriteString("\n")
				}
				if out.GetText() != "" {
					raw.WriteString(out.GetText())
					raw.WriteString("\n")
				}
			}
		}
		inline = w.logExtractor.Extract(raw.String())
	}

	body := FurnishCIEmailBody(EmailBodyContext{
		Status:         agg,
		SubmissionName: series.Name,
		PatchworkURL:   series.WebURL,
		GithubURL:      pr.GetHTMLURL(),
		InlineLogs:     inline,
	})
	clog.FromContext(ctx).Infof("Notifying submitter of series %d: %s", series.ID, agg)
	return w.sendEmail(ctx, series, "RE: "+series.Name, body)
}
