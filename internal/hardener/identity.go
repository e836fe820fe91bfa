package hardener

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	DefaultUser  = "app"
	DefaultGroup = "app"
	DefaultID    = 10000
	DefaultHome  = "/app"
	DefaultShell = "/usr/sbin/nologin"
)

// Identity is the non-privileged user the shipped process runs as.
type Identity struct {
	User  string `yaml:"user"`
	Group string `yaml:"group"`
	UID   int    `yaml:"uid"`
	GID   int    `yaml:"gid"`
	Home  string `yaml:"home"`
	Shell string `yaml:"shell,omitempty"`
}

func DefaultIdentity() Identity {
	return Identity{
		User:  DefaultUser,
		Group: DefaultGroup,
		UID:   DefaultID,
		GID:   DefaultID,
		Home:  DefaultHome,
		Shell: DefaultShell,
	}
}

// UnmarshalYAML rejects an explicit uid or gid of 0. Omitted ids stay zero
// and are filled by WithDefaults.
func (id *Identity) UnmarshalYAML(value *yaml.Node) error {
	type plain Identity
	if err := value.Decode((*plain)(id)); err != nil {
		return err
	}
	var ids struct {
		UID *int `yaml:"uid"`
		GID *int `yaml:"gid"`
	}
	if err := value.Decode(&ids); err != nil {
		return err
	}
	if (ids.UID != nil && *ids.UID == 0) || (ids.GID != nil && *ids.GID == 0) {
		return &PrivilegeError{Identity: *id, Reason: "uid and gid must not be 0"}
	}
	return nil
}

// WithDefaults fills every zero field from DefaultIdentity.
func (id Identity) WithDefaults() Identity {
	d := DefaultIdentity()
	if id.User == "" {
		id.User = d.User
	}
	if id.Group == "" {
		id.Group = d.Group
	}
	if id.UID == 0 {
		id.UID = d.UID
	}
	if id.GID == 0 {
		id.GID = d.GID
	}
	if id.Home == "" {
		id.Home = d.Home
	}
	if id.Shell == "" {
		id.Shell = d.Shell
	}
	return id
}

// OCIUser is the image config "User" value, numeric so the runtime does not
// need to read /etc/passwd.
func (id Identity) OCIUser() string {
	return strconv.Itoa(id.UID) + ":" + strconv.Itoa(id.GID)
}

func (id Identity) String() string {
	return fmt.Sprintf("%s:%s (%d:%d)", id.User, id.Group, id.UID, id.GID)
}

func (id Identity) validate() error {
	if id.UID == 0 || id.GID == 0 {
		return &PrivilegeError{Identity: id, Reason: "uid and gid must not be 0"}
	}
	if id.UID < 0 || id.GID < 0 {
		return &PrivilegeError{Identity: id, Reason: "uid and gid must be positive"}
	}
	if id.User == "" || id.Group == "" {
		return &PrivilegeError{Identity: id, Reason: "user and group names are required"}
	}
	if id.User == "root" || id.Group == "root" {
		return &PrivilegeError{Identity: id, Reason: "root is not a runtime identity"}
	}
	return nil
}
