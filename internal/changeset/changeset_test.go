package changeset

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromReader(t *testing.T) {
	in := strings.NewReader(`
# changed since origin/master
lib/vdsm/virt/backup.py
./tests/storage/sdm_amend_volume_test.py

lib/vdsm/virt/backup.py
`)
	got, err := FromReader(in)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"lib/vdsm/virt/backup.py",
		"tests/storage/sdm_amend_volume_test.py",
	}, got)
}

func TestStatic(t *testing.T) {
	got, err := Static{" a/x.py ", "a/x.py", "b.txt"}.Changes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a/x.py", "b.txt"}, got)
}

func TestGitOutsideRepositoryFails(t *testing.T) {
	_, err := Git{Dir: t.TempDir(), Base: "HEAD"}.Changes(context.Background())
	assert.Error(t, err)
}
