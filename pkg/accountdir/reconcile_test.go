package accountdir

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueKinds(r Report) map[IssueKind][]string {
	out := map[IssueKind][]string{}
	for _, i := range r.Issues {
		out[i.Kind] = append(out[i.Kind], i.Subject)
	}
	return out
}

// seedBroken lays out the leftovers of interrupted writes and hand edits.
func seedBroken(t *testing.T, cfg Config) {
	t.Helper()
	writeLines(t, cfg.PasswdPath,
		"alice:x:2001:2001::/home/alice:/bin/bash",
		"bob:x:2002:2002::/home/bob:/bin/bash",
		"eve:x:2002:9999::/home/eve:/bin/bash",
	)
	writeLines(t, cfg.GroupPath,
		"alice:x:2001:",
		"bob:x:2002:",
		"dev:x:3000:alice,ghost,alice",
	)
	writeLines(t, cfg.ShadowPath,
		"alice:$6$a:19000:0:99999:7:::",
		"eve:$6$e:19000:0:99999:7:::",
		"zombie:$6$z:19000:0:99999:7:::",
	)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.PolicyDir, "zombie"), []byte(PolicyLine("zombie")), 0o440))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.PolicyDir, "bob"), []byte("bob ALL=(root) /usr/bin/apt\n"), 0o440))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.PolicyDir, "README"), []byte("# site notes\n"), 0o440))
}

func TestReconcileReportsOnly(t *testing.T) {
	d, cfg := newTestDirectory(t)
	seedBroken(t, cfg)
	before := readLines(t, cfg.GroupPath)

	rep, err := d.Reconcile(context.Background(), false)
	require.NoError(t, err)
	kinds := issueKinds(rep)

	assert.Equal(t, []string{"eve"}, kinds[IssueDuplicateUID])
	assert.Equal(t, []string{"dev"}, kinds[IssueDuplicateMember])
	assert.Equal(t, []string{"dev"}, kinds[IssueUnknownMember])
	assert.Equal(t, []string{"eve"}, kinds[IssueMissingPrimaryGroup])
	assert.Equal(t, []string{"bob"}, kinds[IssueMissingCredential])
	assert.Equal(t, []string{"zombie"}, kinds[IssueOrphanCredential])
	assert.Equal(t, []string{"zombie"}, kinds[IssueOrphanPolicy])
	assert.Equal(t, []string{"bob"}, kinds[IssueMalformedPolicy])
	assert.Len(t, rep.Outstanding(), len(rep.Issues))

	assert.Equal(t, before, readLines(t, cfg.GroupPath), "report mode writes nothing")
	_, err = os.Stat(filepath.Join(cfg.PolicyDir, "zombie"))
	assert.NoError(t, err)
}

func TestReconcileRepairs(t *testing.T) {
	d, cfg := newTestDirectory(t)
	seedBroken(t, cfg)
	ctx := context.Background()

	rep, err := d.Reconcile(ctx, true)
	require.NoError(t, err)
	assert.False(t, rep.Clean())

	assert.Equal(t, []string{"alice:x:2001:", "bob:x:2002:", "dev:x:3000:alice"}, readLines(t, cfg.GroupPath))
	assert.Equal(t, []string{
		"alice:$6$a:19000:0:99999:7:::",
		"eve:$6$e:19000:0:99999:7:::",
		"bob:!::0:99999:7:::",
	}, readLines(t, cfg.ShadowPath))

	_, err = os.Stat(filepath.Join(cfg.PolicyDir, "zombie"))
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(cfg.PolicyDir, "bob"))
	require.NoError(t, err)
	assert.Equal(t, "bob ALL=(root) /usr/bin/apt\n", string(data), "hand-written policy is left alone")
	_, err = os.Stat(filepath.Join(cfg.PolicyDir, "README"))
	assert.NoError(t, err)

	outstanding := issueKinds(Report{Issues: rep.Outstanding()})
	assert.Equal(t, []string{"eve"}, outstanding[IssueDuplicateUID])
	assert.Equal(t, []string{"eve"}, outstanding[IssueMissingPrimaryGroup])
	assert.Equal(t, []string{"bob"}, outstanding[IssueMalformedPolicy])
	assert.NotContains(t, outstanding, IssueOrphanCredential)

	again, err := d.Reconcile(ctx, true)
	require.NoError(t, err)
	assert.Len(t, again.Issues, 3, "only what needs an operator is left: %v", again.Issues)
}

func TestReconcileCleanDirectory(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	mustCreateUser(t, d, UserSpec{Name: "alice", UID: 2001, GID: 2001, Hash: "$6$a", Sudo: true})
	_, err := d.CreateGroup(ctx, "dev", 3000, []string{"alice"})
	require.NoError(t, err)

	rep, err := d.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.True(t, rep.Clean(), "%v", rep.Issues)
}

func TestReconcileDuplicateCredential(t *testing.T) {
	d, cfg := newTestDirectory(t)
	ctx := context.Background()
	mustCreateUser(t, d, UserSpec{Name: "alice", UID: 2001, GID: 2001, Hash: "$6$abc"})
	writeLines(t, cfg.ShadowPath, append(readLines(t, cfg.ShadowPath), "alice:$6$other:19000:0:99999:7:::")...)

	rep, err := d.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, issueKinds(rep)[IssueDuplicateCredential])
	assert.Len(t, readLines(t, cfg.ShadowPath), 2, "report mode writes nothing")

	rep, err = d.Reconcile(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, rep.Outstanding())
	shadow := readLines(t, cfg.ShadowPath)
	require.Len(t, shadow, 1)
	assert.True(t, strings.HasPrefix(shadow[0], "alice:$6$abc:"), "the first line is kept: %s", shadow[0])

	rep, err = d.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.True(t, rep.Clean(), "%v", rep.Issues)
}
