package accountdir

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// GroupPrune selects which groups DeleteUser drops once they are left
// without members.
type GroupPrune string

const (
	// PruneMembership drops an empty group if the deleted user was listed in
	// it or it carries the user's primary gid.
	PruneMembership GroupPrune = "membership"
	// PrunePersonal drops only the user's own primary group, named after the user.
	PrunePersonal GroupPrune = "personal"
	PruneNever    GroupPrune = "never"
)

// Config is everything a Directory needs; there are no package-level paths.
type Config struct {
	PasswdPath string
	GroupPath  string
	ShadowPath string
	PolicyDir  string

	HomeBase string // home of new users defaults to HomeBase/<name>
	Shell    string // default login shell

	// LockTimeout bounds every lock wait. Zero waits for as long as the
	// caller's context allows.
	LockTimeout time.Duration
	// PolicyValidator is ValidatorAuto, ValidatorNone or a checker binary
	// accepting "-cf <file>".
	PolicyValidator string
	GroupPrune      GroupPrune

	Now func() time.Time
}

const (
	DefaultHomeBase = "/home"
	DefaultShell    = "/bin/bash"
)

// DefaultConfig lays the four stores out under etcDir the way the OS does.
func DefaultConfig(etcDir string) Config {
	return Config{
		PasswdPath: filepath.Join(etcDir, "passwd"),
		GroupPath:  filepath.Join(etcDir, "group"),
		ShadowPath: filepath.Join(etcDir, "shadow"),
		PolicyDir:  filepath.Join(etcDir, "sudoers.d"),
		HomeBase:   DefaultHomeBase,
		Shell:      DefaultShell,
		GroupPrune: PruneMembership,
	}
}

func (c Config) check() error {
	for field, v := range map[string]string{
		"passwd path": c.PasswdPath,
		"group path":  c.GroupPath,
		"shadow path": c.ShadowPath,
		"policy dir":  c.PolicyDir,
	} {
		if v == "" {
			return &ValidationError{Field: field, Reason: "must be set"}
		}
	}
	switch c.GroupPrune {
	case PruneMembership, PrunePersonal, PruneNever:
	default:
		return &ValidationError{Field: "group prune", Reason: fmt.Sprintf("unknown mode %q", c.GroupPrune)}
	}
	if c.LockTimeout < 0 {
		return &ValidationError{Field: "lock timeout", Reason: "must not be negative"}
	}
	return nil
}

// Directory is the CRUD surface over the passwd, group, shadow and
// sudoers.d stores. It is safe for concurrent use, and cooperates with any
// other process using the same lock files.
type Directory struct {
	cfg    Config
	locker *Locker

	users    *Store[User]
	groups   *Store[Group]
	creds    *Store[Credential]
	policies *PolicyStore
}

func New(cfg Config) (*Directory, error) {
	if cfg.HomeBase == "" {
		cfg.HomeBase = DefaultHomeBase
	}
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if cfg.GroupPrune == "" {
		cfg.GroupPrune = PruneMembership
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	verify, err := NewPolicyValidator(cfg.PolicyValidator)
	if err != nil {
		return nil, err
	}

	locker := &Locker{Timeout: cfg.LockTimeout}
	return &Directory{
		cfg:      cfg,
		locker:   locker,
		users:    NewStore(cfg.PasswdPath, 0o644, UserCodec, locker),
		groups:   NewStore(cfg.GroupPath, 0o644, GroupCodec, locker),
		creds:    NewStore(cfg.ShadowPath, 0o600, CredentialCodec, locker),
		policies: NewPolicyStore(cfg.PolicyDir, verify),
	}, nil
}

func (d *Directory) Config() Config { return d.cfg }

// EnsureLayout creates missing parent directories, the policy directory and
// empty store files. Existing files are left untouched.
func (d *Directory) EnsureLayout() error {
	if err := os.MkdirAll(d.cfg.PolicyDir, 0o750); err != nil {
		return ioErr("mkdir", d.cfg.PolicyDir, err)
	}
	for _, f := range []struct {
		path string
		perm os.FileMode
	}{
		{d.cfg.PasswdPath, 0o644},
		{d.cfg.GroupPath, 0o644},
		{d.cfg.ShadowPath, 0o600},
	} {
		if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
			return ioErr("mkdir", filepath.Dir(f.path), err)
		}
		fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, f.perm)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return ioErr("create", f.path, err)
		}
		if err := fh.Close(); err != nil {
			return ioErr("close", f.path, err)
		}
	}
	return nil
}

// today is the shadow "days since epoch" of the configured clock.
func (d *Directory) today() int {
	return int(d.cfg.Now().UTC().Unix() / 86400)
}

// newCredential builds the shadow line written for a new account. An empty
// hash leaves the account locked with no last-change date.
func (d *Directory) newCredential(name, hash string) Credential {
	c := Credential{
		Name:     name,
		Hash:     hash,
		MinDays:  Days(DefaultMinDays),
		MaxDays:  Days(DefaultMaxDays),
		WarnDays: Days(DefaultWarnDays),
	}
	if hash == "" {
		c.Hash = LockMarker
	} else {
		c.LastChanged = Days(d.today())
	}
	return c
}

/* locking */

type resource int

// global acquisition order
const (
	resUsers resource = iota
	resGroups
	resCredentials
	resPolicies
)

type lockReq struct {
	res  resource
	mode LockMode
}

func excl(r resource) lockReq   { return lockReq{r, ExclusiveLock} }
func shared(r resource) lockReq { return lockReq{r, SharedLock} }

func (d *Directory) lockTarget(r resource) string {
	switch r {
	case resUsers:
		return d.cfg.PasswdPath
	case resGroups:
		return d.cfg.GroupPath
	case resCredentials:
		return d.cfg.ShadowPath
	default:
		return d.cfg.PolicyDir
	}
}

// acquire takes every requested lock in the global order. On failure the
// locks already held are dropped before returning.
func (d *Directory) acquire(ctx context.Context, reqs ...lockReq) (LockSet, error) {
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].res < reqs[j].res })
	ls := make(LockSet, 0, len(reqs))
	for _, r := range reqs {
		g, err := d.locker.Acquire(ctx, d.lockTarget(r.res), r.mode)
		if err != nil {
			if rerr := ls.Release(); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
			return nil, err
		}
		ls = append(ls, g)
	}
	return ls, nil
}

func release(err *error, ls LockSet) {
	if rerr := ls.Release(); rerr != nil {
		*err = errors.Join(*err, rerr)
	}
}

/* multi-store commit with compensating rollback */

type commit struct {
	undo []func() error
}

func stage[T any](c *commit, s *Store[T], recs []T) error {
	restore, err := s.snapshot()
	if err != nil {
		return err
	}
	if err := s.write(recs); err != nil {
		return err
	}
	c.undo = append(c.undo, restore)
	return nil
}

func (c *commit) writePolicy(p *PolicyStore, name string) error {
	restore, err := p.snapshot(name)
	if err != nil {
		return err
	}
	if err := p.Write(name); err != nil {
		return err
	}
	c.undo = append(c.undo, restore)
	return nil
}

func (c *commit) removePolicy(p *PolicyStore, name string) error {
	restore, err := p.snapshot(name)
	if err != nil {
		return err
	}
	if err := p.Remove(name); err != nil {
		return err
	}
	c.undo = append(c.undo, restore)
	return nil
}

// abort puts back every store written so far, newest first.
func (c *commit) abort(err error) error {
	errs := []error{err}
	for i := len(c.undo) - 1; i >= 0; i-- {
		if uerr := c.undo[i](); uerr != nil {
			errs = append(errs, fmt.Errorf("rollback: %w", uerr))
		}
	}
	if len(errs) == 1 {
		return err
	}
	return errors.Join(errs...)
}

/* users */

// UserSpec is the input of CreateUser. Zero-valued optional fields take the
// directory defaults.
type UserSpec struct {
	Name  string `json:"name"`
	UID   int    `json:"uid"`
	GID   int    `json:"gid"`
	Hash  string `json:"hash,omitempty"` // stored verbatim; empty locks the account
	Gecos string `json:"gecos,omitempty"`
	Home  string `json:"home,omitempty"`
	Shell string `json:"shell,omitempty"`
	// PrimaryGroup names the group created when no group has GID yet.
	// Defaults to Name.
	PrimaryGroup string `json:"primary_group,omitempty"`
	// Sudo installs a policy file for the user.
	Sudo bool `json:"sudo,omitempty"`
}

func (s UserSpec) validate() error {
	if err := ValidateName("name", s.Name); err != nil {
		return err
	}
	if s.PrimaryGroup != "" {
		if err := ValidateName("primary group", s.PrimaryGroup); err != nil {
			return err
		}
	}
	if err := validateID("uid", s.UID); err != nil {
		return err
	}
	if err := validateID("gid", s.GID); err != nil {
		return err
	}
	for field, v := range map[string]string{"hash": s.Hash, "gecos": s.Gecos, "home": s.Home, "shell": s.Shell} {
		if err := validateField(field, v); err != nil {
			return err
		}
	}
	return nil
}

// CreateUser adds the passwd and shadow lines for a new account. When no
// group carries spec.GID, a primary group is created for it. A leftover
// shadow line with the same name is replaced.
func (d *Directory) CreateUser(ctx context.Context, spec UserSpec) (u User, err error) {
	if spec.Home == "" {
		spec.Home = filepath.Join(d.cfg.HomeBase, spec.Name)
	}
	if spec.Shell == "" {
		spec.Shell = d.cfg.Shell
	}
	if err := spec.validate(); err != nil {
		return User{}, err
	}

	reqs := []lockReq{excl(resUsers), excl(resGroups), excl(resCredentials)}
	if spec.Sudo {
		reqs = append(reqs, excl(resPolicies))
	}
	locks, err := d.acquire(ctx, reqs...)
	if err != nil {
		return User{}, err
	}
	defer release(&err, locks)

	users, err := d.users.read()
	if err != nil {
		return User{}, err
	}
	groups, err := d.groups.read()
	if err != nil {
		return User{}, err
	}
	creds, err := d.creds.read()
	if err != nil {
		return User{}, err
	}

	for _, other := range users {
		if other.Name == spec.Name {
			return User{}, &ConflictError{Reason: DuplicateUser, Name: spec.Name}
		}
		if other.UID == spec.UID {
			return User{}, &ConflictError{Reason: DuplicateUID, Name: spec.Name,
				Detail: fmt.Sprintf("uid %d belongs to %s", spec.UID, other.Name)}
		}
	}

	newGroup := false
	if groupByGID(groups, spec.GID) < 0 {
		gname := spec.PrimaryGroup
		if gname == "" {
			gname = spec.Name
		}
		if i := groupByName(groups, gname); i >= 0 {
			return User{}, &ConflictError{Reason: DuplicateGroup, Name: gname,
				Detail: fmt.Sprintf("exists with gid %d, not %d", groups[i].GID, spec.GID)}
		}
		groups = append(groups, Group{Name: gname, Password: PasswordPlaceholder, GID: spec.GID})
		newGroup = true
	}

	u = User{
		Name:     spec.Name,
		Password: PasswordPlaceholder,
		UID:      spec.UID,
		GID:      spec.GID,
		Gecos:    spec.Gecos,
		Home:     spec.Home,
		Shell:    spec.Shell,
	}
	creds = slices.DeleteFunc(creds, func(c Credential) bool { return c.Name == spec.Name })
	creds = append(creds, d.newCredential(spec.Name, spec.Hash))

	var c commit
	if err := stage(&c, d.users, append(users, u)); err != nil {
		return User{}, c.abort(err)
	}
	if newGroup {
		if err := stage(&c, d.groups, groups); err != nil {
			return User{}, c.abort(err)
		}
	}
	if err := stage(&c, d.creds, creds); err != nil {
		return User{}, c.abort(err)
	}
	if spec.Sudo {
		if err := c.writePolicy(d.policies, spec.Name); err != nil {
			return User{}, c.abort(err)
		}
	}
	return u, nil
}

// DeleteUser removes the account from all four stores and purges it from
// every member list. Groups left empty are dropped according to the
// configured GroupPrune mode; the dropped names are returned. A group still
// serving as primary group of a remaining user is always kept. The removed
// record is returned as it stood under the locks.
func (d *Directory) DeleteUser(ctx context.Context, name string) (removed User, pruned []string, err error) {
	if err := ValidateName("name", name); err != nil {
		return User{}, nil, err
	}
	locks, err := d.acquire(ctx, excl(resUsers), excl(resGroups), excl(resCredentials), excl(resPolicies))
	if err != nil {
		return User{}, nil, err
	}
	defer release(&err, locks)

	users, err := d.users.read()
	if err != nil {
		return User{}, nil, err
	}
	groups, err := d.groups.read()
	if err != nil {
		return User{}, nil, err
	}
	creds, err := d.creds.read()
	if err != nil {
		return User{}, nil, err
	}

	idx := userByName(users, name)
	if idx < 0 {
		return User{}, nil, &NotFoundError{Kind: KindUser, Name: name}
	}
	gone := users[idx]
	users = slices.Delete(users, idx, idx+1)

	inUse := sets.New[int]()
	for _, u := range users {
		inUse.Insert(u.GID)
	}

	groupsChanged := false
	kept := make([]Group, 0, len(groups))
	for _, g := range groups {
		wasMember := g.HasMember(name)
		if wasMember {
			g.Members = slices.DeleteFunc(slices.Clone(g.Members), func(m string) bool { return m == name })
			groupsChanged = true
		}
		if len(g.Members) == 0 && !inUse.Has(g.GID) && d.prunes(g, gone, wasMember) {
			pruned = append(pruned, g.Name)
			groupsChanged = true
			continue
		}
		kept = append(kept, g)
	}

	n := len(creds)
	creds = slices.DeleteFunc(creds, func(c Credential) bool { return c.Name == name })

	var c commit
	if err := stage(&c, d.users, users); err != nil {
		return User{}, nil, c.abort(err)
	}
	if groupsChanged {
		if err := stage(&c, d.groups, kept); err != nil {
			return User{}, nil, c.abort(err)
		}
	}
	if len(creds) != n {
		if err := stage(&c, d.creds, creds); err != nil {
			return User{}, nil, c.abort(err)
		}
	}
	if err := c.removePolicy(d.policies, name); err != nil {
		return User{}, nil, c.abort(err)
	}
	return gone, pruned, nil
}

func (d *Directory) prunes(g Group, gone User, wasMember bool) bool {
	switch d.cfg.GroupPrune {
	case PruneNever:
		return false
	case PrunePersonal:
		return g.GID == gone.GID && g.Name == gone.Name
	default:
		return wasMember || g.GID == gone.GID
	}
}

/* groups */

// CreateGroup adds a group. Every member must already exist as a user;
// repeated member names are collapsed.
func (d *Directory) CreateGroup(ctx context.Context, name string, gid int, members []string) (g Group, err error) {
	if err := ValidateName("name", name); err != nil {
		return Group{}, err
	}
	if err := validateID("gid", gid); err != nil {
		return Group{}, err
	}
	if err := validateNames("member", members); err != nil {
		return Group{}, err
	}

	locks, err := d.acquire(ctx, shared(resUsers), excl(resGroups))
	if err != nil {
		return Group{}, err
	}
	defer release(&err, locks)

	users, err := d.users.read()
	if err != nil {
		return Group{}, err
	}
	groups, err := d.groups.read()
	if err != nil {
		return Group{}, err
	}

	for _, other := range groups {
		if other.Name == name {
			return Group{}, &ConflictError{Reason: DuplicateGroup, Name: name}
		}
		if other.GID == gid {
			return Group{}, &ConflictError{Reason: DuplicateGID, Name: name,
				Detail: fmt.Sprintf("gid %d belongs to %s", gid, other.Name)}
		}
	}

	known := userNames(users)
	seen := sets.New[string]()
	var list []string
	for _, m := range members {
		if !known.Has(m) {
			return Group{}, &NotFoundError{Kind: KindMember, Name: m}
		}
		if seen.Has(m) {
			continue
		}
		seen.Insert(m)
		list = append(list, m)
	}

	g = Group{Name: name, Password: PasswordPlaceholder, GID: gid, Members: list}
	if err := d.groups.write(append(groups, g)); err != nil {
		return Group{}, err
	}
	return g, nil
}

// DeleteGroup removes a group unless some user still has it as primary group.
func (d *Directory) DeleteGroup(ctx context.Context, name string) (err error) {
	if err := ValidateName("name", name); err != nil {
		return err
	}
	locks, err := d.acquire(ctx, shared(resUsers), excl(resGroups))
	if err != nil {
		return err
	}
	defer release(&err, locks)

	users, err := d.users.read()
	if err != nil {
		return err
	}
	groups, err := d.groups.read()
	if err != nil {
		return err
	}

	idx := groupByName(groups, name)
	if idx < 0 {
		return &NotFoundError{Kind: KindGroup, Name: name}
	}
	for _, u := range users {
		if u.GID == groups[idx].GID {
			return &ConflictError{Reason: GroupInUse, Name: name,
				Detail: fmt.Sprintf("primary group of %s", u.Name)}
		}
	}
	return d.groups.write(slices.Delete(groups, idx, idx+1))
}

// AddUserToGroups lists the user in each named group. Groups already listing
// the user are left alone, so repeating the call changes nothing.
func (d *Directory) AddUserToGroups(ctx context.Context, name string, groupNames []string) error {
	return d.editMembership(ctx, name, groupNames, func(g *Group) bool {
		if g.HasMember(name) {
			return false
		}
		g.Members = append(g.Members, name)
		return true
	})
}

// RemoveUserFromGroups drops the user from each named group's member list.
// Groups are never deleted here, even when left empty.
func (d *Directory) RemoveUserFromGroups(ctx context.Context, name string, groupNames []string) error {
	return d.editMembership(ctx, name, groupNames, func(g *Group) bool {
		if !g.HasMember(name) {
			return false
		}
		g.Members = slices.DeleteFunc(g.Members, func(m string) bool { return m == name })
		return true
	})
}

// editMembership applies edit to every named group, after checking that the
// user and all the groups exist. Nothing is written when no group changed.
func (d *Directory) editMembership(ctx context.Context, name string, groupNames []string, edit func(*Group) bool) (err error) {
	if err := ValidateName("name", name); err != nil {
		return err
	}
	if err := validateNames("group", groupNames); err != nil {
		return err
	}

	locks, err := d.acquire(ctx, shared(resUsers), excl(resGroups))
	if err != nil {
		return err
	}
	defer release(&err, locks)

	users, err := d.users.read()
	if err != nil {
		return err
	}
	groups, err := d.groups.read()
	if err != nil {
		return err
	}

	if userByName(users, name) < 0 {
		return &NotFoundError{Kind: KindUser, Name: name}
	}
	targets := make([]int, 0, len(groupNames))
	for _, gn := range groupNames {
		i := groupByName(groups, gn)
		if i < 0 {
			return &NotFoundError{Kind: KindGroup, Name: gn}
		}
		targets = append(targets, i)
	}

	changed := false
	for _, i := range targets {
		if edit(&groups[i]) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return d.groups.write(groups)
}

/* credentials */

// SetPassword stores hash verbatim and stamps the last-change day.
func (d *Directory) SetPassword(ctx context.Context, name, hash string) error {
	if hash == "" {
		return &ValidationError{Field: "hash", Reason: "must not be empty"}
	}
	if err := validateField("hash", hash); err != nil {
		return err
	}
	return d.editCredential(ctx, name, func(c *Credential) bool {
		c.Hash = hash
		c.LastChanged = Days(d.today())
		return true
	})
}

// LockAccount prefixes the hash with the lock marker unless it already has one.
func (d *Directory) LockAccount(ctx context.Context, name string) error {
	return d.editCredential(ctx, name, func(c *Credential) bool {
		if c.Locked() {
			return false
		}
		c.Hash = LockMarker + c.Hash
		return true
	})
}

// UnlockAccount strips every leading lock marker. A hash made of markers
// only stays locked, since an empty hash would allow password-less login.
func (d *Directory) UnlockAccount(ctx context.Context, name string) error {
	return d.editCredential(ctx, name, func(c *Credential) bool {
		h := unlocked(c.Hash)
		if h == c.Hash {
			return false
		}
		c.Hash = h
		return true
	})
}

func unlocked(hash string) string {
	for len(hash) > 0 && hash[:1] == LockMarker {
		hash = hash[1:]
	}
	if hash == "" {
		return LockMarker
	}
	return hash
}

func (d *Directory) editCredential(ctx context.Context, name string, edit func(*Credential) bool) (err error) {
	if err := ValidateName("name", name); err != nil {
		return err
	}
	locks, err := d.acquire(ctx, shared(resUsers), excl(resCredentials))
	if err != nil {
		return err
	}
	defer release(&err, locks)

	users, err := d.users.read()
	if err != nil {
		return err
	}
	if userByName(users, name) < 0 {
		return &NotFoundError{Kind: KindUser, Name: name}
	}
	creds, err := d.creds.read()
	if err != nil {
		return err
	}
	// a repeated line left by a hand edit gets the same change
	found, changed := false, false
	for i := range creds {
		if creds[i].Name != name {
			continue
		}
		found = true
		if edit(&creds[i]) {
			changed = true
		}
	}
	if !found {
		return &NotFoundError{Kind: KindCredential, Name: name}
	}
	if !changed {
		return nil
	}
	return d.creds.write(creds)
}

/* lookup helpers */

func userByName(users []User, name string) int {
	return slices.IndexFunc(users, func(u User) bool { return u.Name == name })
}

func groupByName(groups []Group, name string) int {
	return slices.IndexFunc(groups, func(g Group) bool { return g.Name == name })
}

func groupByGID(groups []Group, gid int) int {
	return slices.IndexFunc(groups, func(g Group) bool { return g.GID == gid })
}

func userNames(users []User) sets.Set[string] {
	s := sets.New[string]()
	for _, u := range users {
		s.Insert(u.Name)
	}
	return s
}
