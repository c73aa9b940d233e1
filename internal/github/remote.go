package github

import (
	"fmt"
	"strings"
)

// ParseRemote extracts owner and repo from a git remote URL. Both the SSH
// (git@github.com:owner/repo.git) and HTTPS forms are accepted.
func ParseRemote(remote string) (owner, repo string, err error) {
	cleaned := strings.TrimSuffix(strings.TrimSpace(remote), ".git")
	switch {
	case strings.HasPrefix(cleaned, "git@"):
		_, after, found := strings.Cut(cleaned, ":")
		if !found {
			return "", "", fmt.Errorf("unrecognized remote %q", remote)
		}
		cleaned = after
	case strings.Contains(cleaned, "://"):
		_, after, _ := strings.Cut(cleaned, "://")
		// Drop the host.
		if idx := strings.Index(after, "/"); idx != -1 {
			cleaned = after[idx+1:]
		} else {
			return "", "", fmt.Errorf("unrecognized remote %q", remote)
		}
	}
	parts := strings.Split(cleaned, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("unrecognized remote %q", remote)
	}
	return parts[0], parts[1], nil
}
