package session

import (
	"fmt"
	"strings"
)

// ServiceToken is a static credential bound to a role, used by automation
// that cannot log in interactively.
type ServiceToken struct {
	Role  Role
	Token string
}

// ParseServiceTokens parses "role:token,role:token".
func ParseServiceTokens(s string) ([]ServiceToken, error) {
	var out []ServiceToken
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, token, ok := strings.Cut(part, ":")
		if !ok || token == "" {
			return nil, fmt.Errorf("service token %q: expected role:token", name)
		}
		role, err := ParseRole(name)
		if err != nil {
			return nil, err
		}
		out = append(out, ServiceToken{Role: role, Token: strings.TrimSpace(token)})
	}
	return out, nil
}
