package runner

import (
	"os"
	"sort"
	"strings"

	"github.com/harun/conductor/pkg/profiles"
	"github.com/harun/conductor/pkg/promptstore"
)

// Spec describes one session to run.
type Spec struct {
	SessionID   string
	PromptID    string
	Message     string
	Context     promptstore.Context
	ProjectPath string
	// ConversationID, when set, asks the agent to resume that conversation.
	ConversationID string
	Profile        *profiles.Profile
}

// PromptText renders the message plus the file context the agent sees.
func PromptText(spec Spec) string {
	var b strings.Builder
	b.WriteString(spec.Message)

	ctx := spec.Context
	if ctx.PrimaryFile != "" {
		b.WriteString("\n\nPrimary file: ")
		b.WriteString(ctx.PrimaryFile)
	}
	if len(ctx.References) > 0 {
		b.WriteString("\n\nReferenced files:")
		for _, ref := range ctx.References {
			b.WriteString("\n- ")
			b.WriteString(ref)
		}
	}
	if strings.TrimSpace(ctx.DiffSummary) != "" {
		b.WriteString("\n\nDiff summary:\n")
		b.WriteString(ctx.DiffSummary)
	}
	return b.String()
}

// BuildArgs returns the agent command line arguments for spec.
func BuildArgs(cfg Config, spec Spec) []string {
	args := []string{"-p", PromptText(spec)}
	if cfg.Format == "" || cfg.Format == FormatClaude {
		args = append(args, "--output-format", "stream-json", "--verbose")
	}
	if spec.ConversationID != "" {
		args = append(args, "--resume", spec.ConversationID)
	}
	if spec.Profile != nil && spec.Profile.Model != "" {
		args = append(args, "--model", spec.Profile.Model)
	}
	args = append(args, cfg.Args...)
	if spec.Profile != nil {
		args = append(args, spec.Profile.Args...)
	}
	return args
}

// buildEnv returns the parent environment plus profile overrides, sorted
// so the command line is reproducible in logs and tests.
func buildEnv(spec Spec) []string {
	env := os.Environ()
	if spec.Profile == nil || len(spec.Profile.Env) == 0 {
		return env
	}
	keys := make([]string, 0, len(spec.Profile.Env))
	for k := range spec.Profile.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Profile.Env[k])
	}
	return env
}
