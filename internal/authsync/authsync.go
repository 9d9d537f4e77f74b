// Package authsync materializes configured secrets into files under the
// state tree before the supervisor starts workers. Secrets come from the
// 1Password CLI (op:// references, read via `op read`) or from environment
// variables. Any failure aborts startup: running with half the credentials
// present fails in stranger ways later.
package authsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/direclaw/direclaw/internal/config"
	"github.com/direclaw/direclaw/internal/logging"
	"github.com/direclaw/direclaw/internal/statepaths"
)

// opTimeout bounds one `op read` call.
const opTimeout = 30 * time.Second

// Sync pulls every configured secret into SecretsDir. Target paths were
// validated relative at config load; they are re-checked here anyway.
func Sync(ctx context.Context, cfg *config.AuthSync, paths statepaths.StatePaths, logs *logging.Set) error {
	if len(cfg.Secrets) == 0 {
		return nil
	}
	for _, m := range cfg.Secrets {
		value, err := resolve(ctx, m.Source)
		if err != nil {
			logs.Security.Event("authsync.failed", "source", redact(m.Source), "error", err.Error())
			return fmt.Errorf("auth sync %s: %w", redact(m.Source), err)
		}
		target, err := targetPath(paths, m.Target)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte(value), 0o600); err != nil {
			return fmt.Errorf("auth sync write %s: %w", m.Target, err)
		}
		logs.Security.Event("authsync.materialized", "target", m.Target)
	}
	return nil
}

func resolve(ctx context.Context, source string) (string, error) {
	if strings.HasPrefix(source, "op://") {
		return opRead(ctx, source)
	}
	v, ok := os.LookupEnv(source)
	if !ok {
		return "", fmt.Errorf("environment variable %s not set", source)
	}
	return v, nil
}

// opRead shells out to the 1Password CLI. OP_SERVICE_ACCOUNT_TOKEN must be
// in the environment for non-interactive reads.
func opRead(ctx context.Context, ref string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "op", "read", "--no-newline", ref)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("op read: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("op read: %w", err)
	}
	return string(out), nil
}

// targetPath joins and re-validates a secret target under SecretsDir.
func targetPath(paths statepaths.StatePaths, target string) (string, error) {
	if target == "" || filepath.IsAbs(target) {
		return "", fmt.Errorf("auth sync target %q: must be a relative path", target)
	}
	cleaned := filepath.Clean(target)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("auth sync target %q: escapes the secrets directory", target)
	}
	return filepath.Join(paths.SecretsDir(), cleaned), nil
}

// redact hides everything after the scheme or the first character, so log
// lines never carry secret names verbatim from env sources.
func redact(source string) string {
	if strings.HasPrefix(source, "op://") {
		return source // op references are paths, not secrets
	}
	if len(source) <= 4 {
		return "****"
	}
	return source[:4] + "****"
}
