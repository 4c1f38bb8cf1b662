package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bootstrap seeds workspaces, roles, members, folders and ACL rules at
// startup. Seeding is idempotent: existing entities are matched by id or
// name and updated in place.
type Bootstrap struct {
	Workspaces []BootstrapWorkspace `yaml:"workspaces"`
}

// BootstrapWorkspace describes one workspace.
type BootstrapWorkspace struct {
	ID       string `yaml:"id"`
	TenantID string `yaml:"tenant"`
	Name     string `yaml:"name"`
	Mode     string `yaml:"mode"`
	Owner    string `yaml:"owner"`
	// DefaultRole names the role given to members listed without roles.
	DefaultRole string            `yaml:"defaultRole"`
	Roles       []BootstrapRole   `yaml:"roles"`
	Members     []BootstrapMember `yaml:"members"`
	// Folders are slash-separated paths created from the root.
	Folders []string       `yaml:"folders"`
	ACL     []BootstrapACL `yaml:"acl"`
}

// BootstrapRole is a custom role, matched by name.
type BootstrapRole struct {
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

// BootstrapMember binds an account to roles given by name.
type BootstrapMember struct {
	Account string   `yaml:"account"`
	Roles   []string `yaml:"roles"`
}

// BootstrapACL sets a role's effects on a folder path ("" is the root).
type BootstrapACL struct {
	Folder string `yaml:"folder"`
	Role   string `yaml:"role"`
	Read   string `yaml:"read"`
	Write  string `yaml:"write"`
}

// LoadBootstrap reads and validates a bootstrap file.
func LoadBootstrap(path string) (*Bootstrap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap file: %w", err)
	}
	return ParseBootstrap(raw)
}

// ParseBootstrap decodes bootstrap YAML. Unknown keys are rejected.
func ParseBootstrap(raw []byte) (*Bootstrap, error) {
	var b Bootstrap
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing bootstrap file: %w", err)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Bootstrap) validate() error {
	seen := make(map[string]bool)
	for i, ws := range b.Workspaces {
		if strings.TrimSpace(ws.Name) == "" {
			return fmt.Errorf("bootstrap: workspace %d has no name", i)
		}
		if ws.ID != "" {
			if seen[ws.ID] {
				return fmt.Errorf("bootstrap: duplicate workspace id %q", ws.ID)
			}
			seen[ws.ID] = true
		}
		for _, r := range ws.Roles {
			if strings.TrimSpace(r.Name) == "" {
				return fmt.Errorf("bootstrap: workspace %q has a role without a name", ws.Name)
			}
		}
		for _, m := range ws.Members {
			if m.Account == "" {
				return fmt.Errorf("bootstrap: workspace %q has a member without an account", ws.Name)
			}
		}
		for _, f := range ws.Folders {
			if len(SplitFolderPath(f)) == 0 {
				return fmt.Errorf("bootstrap: workspace %q has an empty folder path", ws.Name)
			}
		}
		for _, a := range ws.ACL {
			if a.Role == "" {
				return fmt.Errorf("bootstrap: workspace %q has an ACL rule without a role", ws.Name)
			}
		}
	}
	return nil
}

// SplitFolderPath splits "a/b/c" into its non-empty segments.
func SplitFolderPath(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
