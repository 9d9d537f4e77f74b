package provider

import (
	"fmt"
	"os"
	"strings"

	"github.com/direclaw/direclaw/internal/config"
)

// BinaryFor resolves the provider CLI binary. Precedence: the
// DIRECLAW_PROVIDER_BIN_<PROVIDER> environment override, then the
// provider's default binary name.
func BinaryFor(providerID string) (string, error) {
	if v := os.Getenv("DIRECLAW_PROVIDER_BIN_" + strings.ToUpper(providerID)); v != "" {
		return v, nil
	}
	switch providerID {
	case config.ProviderAnthropic:
		return "claude", nil
	case config.ProviderOpenAI:
		return "codex", nil
	}
	return "", fmt.Errorf("unknown provider %q", providerID)
}

// buildArgs assembles the per-provider argument scheme. The scheme is a
// black box to the rest of the runtime: it passes the prompt, context, and
// output paths and the binary is expected to block until done.
func buildArgs(providerID, promptPath, contextPath, outputPath string) []string {
	switch providerID {
	case config.ProviderOpenAI:
		return []string{"exec", "--prompt-file", promptPath, "--context-file", contextPath, "--output-file", outputPath}
	default: // anthropic scheme
		return []string{"-p", "--prompt-file", promptPath, "--context-file", contextPath, "--output-file", outputPath}
	}
}
