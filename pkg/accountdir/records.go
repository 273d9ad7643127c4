package accountdir

import (
	"fmt"
	"strconv"
	"strings"
)

/*
* Line formats, identical to what the OS tooling reads:
*
*	passwd:  name:x:uid:gid:gecos:home:shell
*	group:   name:x:gid:member1,member2
*	shadow:  name:hash:lastchg:min:max:warn:inactive:expire:reserved
*
* Parsing and formatting are strict inverses for every line Parse accepts.
 */
const (
	DEL                 = ":" // field delimiter
	MemberSep           = ","
	PasswordPlaceholder = "x" // credentials live in the shadow file
	LockMarker          = "!"

	userFieldCount       = 7
	groupFieldCount      = 4
	credentialFieldCount = 9

	// shadow aging defaults written on account creation
	DefaultMinDays  = 0
	DefaultMaxDays  = 99999
	DefaultWarnDays = 7
)

// User is one line of the passwd file.
type User struct {
	Name     string `json:"name"`
	Password string `json:"-"`
	UID      int    `json:"uid"`
	GID      int    `json:"gid"`
	Gecos    string `json:"gecos"`
	Home     string `json:"home"`
	Shell    string `json:"shell"`
}

// Group is one line of the group file. Members keeps file order.
type Group struct {
	Name     string   `json:"name"`
	Password string   `json:"-"`
	GID      int      `json:"gid"`
	Members  []string `json:"members"`
}

// HasMember reports whether name is listed explicitly in the group.
func (g Group) HasMember(name string) bool {
	for _, m := range g.Members {
		if m == name {
			return true
		}
	}
	return false
}

// Credential is one line of the shadow file. Nil aging fields are serialized
// as empty strings, which the OS reads as "unset".
type Credential struct {
	Name         string `json:"name"`
	Hash         string `json:"-"`
	LastChanged  *int   `json:"last_changed,omitempty"`
	MinDays      *int   `json:"min_days,omitempty"`
	MaxDays      *int   `json:"max_days,omitempty"`
	WarnDays     *int   `json:"warn_days,omitempty"`
	InactiveDays *int   `json:"inactive_days,omitempty"`
	ExpireDays   *int   `json:"expire_days,omitempty"`
	Reserved     string `json:"-"`
}

// Locked reports whether the hash carries the lock marker.
func (c Credential) Locked() bool {
	return strings.HasPrefix(c.Hash, LockMarker)
}

// Days returns a pointer to n, for filling Credential aging fields.
func Days(n int) *int {
	return &n
}

func ParseUser(line string) (User, error) {
	parts, err := splitFields(line, userFieldCount, KindUser)
	if err != nil {
		return User{}, err
	}
	if err := checkName(parts[0], KindUser); err != nil {
		return User{}, err
	}
	uid, err := parseID(parts[2], "uid", KindUser)
	if err != nil {
		return User{}, err
	}
	gid, err := parseID(parts[3], "gid", KindUser)
	if err != nil {
		return User{}, err
	}
	return User{
		Name:     parts[0],
		Password: parts[1],
		UID:      uid,
		GID:      gid,
		Gecos:    parts[4],
		Home:     parts[5],
		Shell:    parts[6],
	}, nil
}

func FormatUser(u User) string {
	return strings.Join([]string{
		u.Name,
		u.Password,
		strconv.Itoa(u.UID),
		strconv.Itoa(u.GID),
		u.Gecos,
		u.Home,
		u.Shell,
	}, DEL)
}

func ParseGroup(line string) (Group, error) {
	parts, err := splitFields(line, groupFieldCount, KindGroup)
	if err != nil {
		return Group{}, err
	}
	if err := checkName(parts[0], KindGroup); err != nil {
		return Group{}, err
	}
	gid, err := parseID(parts[2], "gid", KindGroup)
	if err != nil {
		return Group{}, err
	}
	var members []string
	if parts[3] != "" {
		members = strings.Split(parts[3], MemberSep)
		for _, m := range members {
			if m == "" {
				return Group{}, &FormatError{Kind: KindGroup, Reason: "empty member name"}
			}
		}
	}
	return Group{
		Name:     parts[0],
		Password: parts[1],
		GID:      gid,
		Members:  members,
	}, nil
}

func FormatGroup(g Group) string {
	return strings.Join([]string{
		g.Name,
		g.Password,
		strconv.Itoa(g.GID),
		strings.Join(g.Members, MemberSep),
	}, DEL)
}

func ParseCredential(line string) (Credential, error) {
	parts, err := splitFields(line, credentialFieldCount, KindCredential)
	if err != nil {
		return Credential{}, err
	}
	if err := checkName(parts[0], KindCredential); err != nil {
		return Credential{}, err
	}
	c := Credential{Name: parts[0], Hash: parts[1], Reserved: parts[8]}

	targets := []struct {
		field string
		dst   **int
	}{
		{"lastchg", &c.LastChanged},
		{"min", &c.MinDays},
		{"max", &c.MaxDays},
		{"warn", &c.WarnDays},
		{"inactive", &c.InactiveDays},
		{"expire", &c.ExpireDays},
	}
	for i, t := range targets {
		v, err := parseDays(parts[2+i], t.field)
		if err != nil {
			return Credential{}, err
		}
		*t.dst = v
	}
	return c, nil
}

func FormatCredential(c Credential) string {
	return strings.Join([]string{
		c.Name,
		c.Hash,
		formatDays(c.LastChanged),
		formatDays(c.MinDays),
		formatDays(c.MaxDays),
		formatDays(c.WarnDays),
		formatDays(c.InactiveDays),
		formatDays(c.ExpireDays),
		c.Reserved,
	}, DEL)
}

func splitFields(line string, want int, kind string) ([]string, error) {
	if strings.ContainsAny(line, "\n\r") {
		return nil, &FormatError{Kind: kind, Reason: "embedded newline"}
	}
	parts := strings.Split(line, DEL)
	if len(parts) != want {
		return nil, &FormatError{Kind: kind, Reason: fmt.Sprintf("expected %d fields, got %d", want, len(parts))}
	}
	return parts, nil
}

func checkName(name, kind string) error {
	if name == "" {
		return &FormatError{Kind: kind, Reason: "empty name"}
	}
	if strings.Contains(name, MemberSep) {
		return &FormatError{Kind: kind, Reason: "name contains a comma"}
	}
	return nil
}

// parseID accepts canonical non-negative decimals only, so that formatting
// reproduces the original text.
func parseID(s, field, kind string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || strconv.Itoa(n) != s {
		return 0, &FormatError{Kind: kind, Reason: fmt.Sprintf("%s %q is not a non-negative integer", field, s)}
	}
	return n, nil
}

func parseDays(s, field string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || strconv.Itoa(n) != s {
		return nil, &FormatError{Kind: KindCredential, Reason: fmt.Sprintf("%s %q is not an integer", field, s)}
	}
	return &n, nil
}

func formatDays(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
