package accountdir

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

type IssueKind string

const (
	IssueDuplicateUser       IssueKind = "duplicate-user"
	IssueDuplicateUID        IssueKind = "duplicate-uid"
	IssueDuplicateGroup      IssueKind = "duplicate-group"
	IssueDuplicateGID        IssueKind = "duplicate-gid"
	IssueDuplicateMember     IssueKind = "duplicate-member"
	IssueUnknownMember       IssueKind = "unknown-member"
	IssueMissingCredential   IssueKind = "missing-credential"
	IssueDuplicateCredential IssueKind = "duplicate-credential"
	IssueOrphanCredential    IssueKind = "orphan-credential"
	IssueOrphanPolicy        IssueKind = "orphan-policy"
	IssueMalformedPolicy     IssueKind = "malformed-policy"
	IssueMissingPrimaryGroup IssueKind = "missing-primary-group"
)

// Issue is one broken cross-file rule found by Reconcile.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	Subject  string    `json:"subject"`
	Detail   string    `json:"detail,omitempty"`
	Repaired bool      `json:"repaired"`
}

func (i Issue) String() string {
	s := fmt.Sprintf("%s %s", i.Kind, i.Subject)
	if i.Detail != "" {
		s += ": " + i.Detail
	}
	if i.Repaired {
		s += " (repaired)"
	}
	return s
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Clean reports whether nothing was found.
func (r Report) Clean() bool { return len(r.Issues) == 0 }

// Outstanding returns the issues left unrepaired.
func (r Report) Outstanding() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if !i.Repaired {
			out = append(out, i)
		}
	}
	return out
}

// Reconcile scans all four stores for entries that break the cross-file
// rules, which is what an interrupted multi-file write leaves behind.
//
// With repair set it also fixes what can be fixed without guessing: unknown
// and repeated members are dropped, users without a shadow line get a locked
// one, repeated shadow lines of a user are dropped after the first, and
// orphan shadow lines and grant files are removed. Duplicate names
// or ids, missing primary groups and policy files with unexpected content
// need an operator and are only reported.
func (d *Directory) Reconcile(ctx context.Context, repair bool) (rep Report, err error) {
	mode := shared
	if repair {
		mode = excl
	}
	locks, err := d.acquire(ctx, mode(resUsers), mode(resGroups), mode(resCredentials), mode(resPolicies))
	if err != nil {
		return Report{}, err
	}
	defer release(&err, locks)

	users, err := d.users.read()
	if err != nil {
		return Report{}, err
	}
	groups, err := d.groups.read()
	if err != nil {
		return Report{}, err
	}
	creds, err := d.creds.read()
	if err != nil {
		return Report{}, err
	}
	policies, err := d.policies.List()
	if err != nil {
		return Report{}, err
	}

	add := func(kind IssueKind, subject, detail string, fixable bool) {
		rep.Issues = append(rep.Issues, Issue{Kind: kind, Subject: subject, Detail: detail, Repaired: repair && fixable})
	}

	names := sets.New[string]()
	uids := map[int]string{}
	for _, u := range users {
		if names.Has(u.Name) {
			add(IssueDuplicateUser, u.Name, "", false)
		}
		names.Insert(u.Name)
		if owner, ok := uids[u.UID]; ok && owner != u.Name {
			add(IssueDuplicateUID, u.Name, fmt.Sprintf("uid %d also used by %s", u.UID, owner), false)
		} else {
			uids[u.UID] = u.Name
		}
	}

	groupNames := sets.New[string]()
	gids := map[int]string{}
	groupsChanged := false
	for i, g := range groups {
		if groupNames.Has(g.Name) {
			add(IssueDuplicateGroup, g.Name, "", false)
		}
		groupNames.Insert(g.Name)
		if owner, ok := gids[g.GID]; ok && owner != g.Name {
			add(IssueDuplicateGID, g.Name, fmt.Sprintf("gid %d also used by %s", g.GID, owner), false)
		} else {
			gids[g.GID] = g.Name
		}

		seen := sets.New[string]()
		var members []string
		for _, m := range g.Members {
			switch {
			case seen.Has(m):
				add(IssueDuplicateMember, g.Name, m, true)
			case !names.Has(m):
				add(IssueUnknownMember, g.Name, m, true)
			default:
				members = append(members, m)
			}
			seen.Insert(m)
		}
		if len(members) != len(g.Members) {
			groups[i].Members = members
			groupsChanged = true
		}
	}

	for _, u := range users {
		if _, ok := gids[u.GID]; !ok {
			add(IssueMissingPrimaryGroup, u.Name, fmt.Sprintf("no group with gid %d", u.GID), false)
		}
	}

	credNames := sets.New[string]()
	var keptCreds []Credential
	for _, c := range creds {
		if !names.Has(c.Name) {
			add(IssueOrphanCredential, c.Name, "", true)
			continue
		}
		if credNames.Has(c.Name) {
			// the first line is the one login and every edit has used
			add(IssueDuplicateCredential, c.Name, "", true)
			continue
		}
		credNames.Insert(c.Name)
		keptCreds = append(keptCreds, c)
	}
	credsChanged := len(keptCreds) != len(creds)
	for _, n := range sets.List(names.Difference(credNames)) {
		add(IssueMissingCredential, n, "", true)
		keptCreds = append(keptCreds, d.newCredential(n, ""))
		credsChanged = true
	}

	var orphanPolicies []string
	for _, p := range policies {
		data, _, err := d.policies.Read(p)
		if err != nil {
			return Report{}, err
		}
		if !names.Has(p) {
			// drop-ins we did not write (README, site rules) are not ours to judge
			if d.policies.Valid(p, data) {
				add(IssueOrphanPolicy, p, "", true)
				orphanPolicies = append(orphanPolicies, p)
			}
			continue
		}
		if !d.policies.Valid(p, data) {
			add(IssueMalformedPolicy, p, "unexpected content", false)
		}
	}

	if !repair {
		return rep, nil
	}

	var c commit
	if groupsChanged {
		if err := stage(&c, d.groups, groups); err != nil {
			return Report{}, c.abort(err)
		}
	}
	if credsChanged {
		if err := stage(&c, d.creds, keptCreds); err != nil {
			return Report{}, c.abort(err)
		}
	}
	for _, p := range orphanPolicies {
		if err := c.removePolicy(d.policies, p); err != nil {
			return Report{}, c.abort(err)
		}
	}
	return rep, nil
}
