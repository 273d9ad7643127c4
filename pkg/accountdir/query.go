package accountdir

import (
	"context"

	"k8s.io/apimachinery/pkg/util/sets"
)

type Role string

const (
	RolePrimary       Role = "primary"
	RoleSupplementary Role = "supplementary"
)

// GroupRef is one group a user belongs to, either through its gid field
// (primary) or by being listed as a member (supplementary).
type GroupRef struct {
	Name string `json:"name"`
	GID  int    `json:"gid"`
	Role Role   `json:"role"`
}

type UserInfo struct {
	User
	Groups []GroupRef `json:"groups"`
}

// PeerHome is a co-member of some group together with their home directory.
type PeerHome struct {
	Username string `json:"username"`
	Home     string `json:"home"`
}

// GetUser returns the user and its groups, primary group first and the rest
// in file order.
func (d *Directory) GetUser(ctx context.Context, name string) (info UserInfo, err error) {
	if err := ValidateName("name", name); err != nil {
		return UserInfo{}, err
	}
	locks, err := d.acquire(ctx, shared(resUsers), shared(resGroups))
	if err != nil {
		return UserInfo{}, err
	}
	defer release(&err, locks)

	users, err := d.users.read()
	if err != nil {
		return UserInfo{}, err
	}
	groups, err := d.groups.read()
	if err != nil {
		return UserInfo{}, err
	}

	i := userByName(users, name)
	if i < 0 {
		return UserInfo{}, &NotFoundError{Kind: KindUser, Name: name}
	}
	u := users[i]

	refs := []GroupRef{}
	primary := groupByGID(groups, u.GID)
	if primary >= 0 {
		refs = append(refs, GroupRef{Name: groups[primary].Name, GID: u.GID, Role: RolePrimary})
	}
	for j, g := range groups {
		if j != primary && g.HasMember(name) {
			refs = append(refs, GroupRef{Name: g.Name, GID: g.GID, Role: RoleSupplementary})
		}
	}
	return UserInfo{User: u, Groups: refs}, nil
}

// ListUsers returns every user in file order.
func (d *Directory) ListUsers(ctx context.Context) ([]User, error) {
	return d.users.Load(ctx)
}

// ListGroups returns every group in file order.
func (d *Directory) ListGroups(ctx context.Context) ([]Group, error) {
	return d.groups.Load(ctx)
}

// GroupPeerHomes lists the members of the groups with the given gids,
// without exclude, sorted by name. Members with no passwd line are skipped.
func (d *Directory) GroupPeerHomes(ctx context.Context, gids []int, exclude string) (peers []PeerHome, err error) {
	if len(gids) == 0 {
		return nil, nil
	}
	locks, err := d.acquire(ctx, shared(resUsers), shared(resGroups))
	if err != nil {
		return nil, err
	}
	defer release(&err, locks)

	users, err := d.users.read()
	if err != nil {
		return nil, err
	}
	groups, err := d.groups.read()
	if err != nil {
		return nil, err
	}

	wanted := sets.New(gids...)
	members := sets.New[string]()
	for _, g := range groups {
		if wanted.Has(g.GID) {
			members.Insert(g.Members...)
		}
	}
	members.Delete(exclude)

	homes := make(map[string]string, len(users))
	for _, u := range users {
		homes[u.Name] = u.Home
	}
	for _, m := range sets.List(members) {
		if home, ok := homes[m]; ok {
			peers = append(peers, PeerHome{Username: m, Home: home})
		}
	}
	return peers, nil
}
