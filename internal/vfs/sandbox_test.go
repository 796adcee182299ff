package vfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWithinRoots(t *testing.T) {
	root := t.TempDir()
	s, err := New([]string{root})
	require.NoError(t, err)
	root = s.Roots()[0]

	abs, err := s.Resolve("data/iris.csv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "data", "iris.csv"), abs)

	abs, err = s.Resolve(filepath.Join(root, "out.csv"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "out.csv"), abs)
}

func TestResolveRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	s, err := New([]string{root})
	require.NoError(t, err)

	tests := []string{
		"../outside.csv",
		"data/../../outside.csv",
		"/etc/passwd",
		"~/secrets",
		"",
	}
	for _, p := range tests {
		t.Run(p, func(t *testing.T) {
			_, err := s.Resolve(p)
			require.Error(t, err)
			assert.True(t, IsAccessError(err))
		})
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	s, err := New([]string{root})
	require.NoError(t, err)

	_, err = s.Resolve("link/file.csv")
	assert.True(t, IsAccessError(err))
}

func TestNoRoots(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	_, err = s.Resolve("/tmp/x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no filesystem roots")
}

func TestMultipleRoots(t *testing.T) {
	s, err := New([]string{"/srv/data", "/srv/output"}, WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)

	_, err = s.Resolve("/srv/output/plot.png")
	assert.NoError(t, err)
	_, err = s.Resolve("/srv/other/plot.png")
	assert.Error(t, err)
}

func TestReadOnly(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := New([]string{"/srv/data"}, WithFs(fs), WithReadOnly(true))
	require.NoError(t, err)
	assert.True(t, s.ReadOnly())

	_, err = s.CheckRead("/srv/data/a.csv")
	assert.NoError(t, err)

	_, err = s.CheckWrite("/srv/data/a.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")

	err = afero.WriteFile(s.Fs(), "/srv/data/a.csv", []byte("x"), 0644)
	assert.Error(t, err, "the exposed filesystem refuses writes too")
}

func TestDenyPatterns(t *testing.T) {
	s, err := New([]string{"/srv"}, WithFs(afero.NewMemMapFs()), WithDeny("/srv/**/.ssh/**", "**/*.key"))
	require.NoError(t, err)

	_, err = s.Resolve("/srv/home/.ssh/id_rsa")
	assert.True(t, IsAccessError(err))
	_, err = s.Resolve("/srv/certs/server.key")
	assert.True(t, IsAccessError(err))
	_, err = s.Resolve("/srv/data/ok.csv")
	assert.NoError(t, err)
}

func TestInvalidDenyPattern(t *testing.T) {
	_, err := New([]string{"/srv"}, WithDeny("[unclosed"))
	assert.Error(t, err)
}

func TestIsWithinDir(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		dir      string
		expected bool
	}{
		{"same dir", "/home/user/project", "/home/user/project", true},
		{"subdirectory", "/home/user/project/src", "/home/user/project", true},
		{"parent dir", "/home/user", "/home/user/project", false},
		{"sibling dir", "/home/user/other", "/home/user/project", false},
		{"sibling with prefix", "/home/user/project2", "/home/user/project", false},
		{"dotdot-named child", "/home/user/project/..data", "/home/user/project", true},
		{"with trailing slash", "/home/user/project/src/", "/home/user/project", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsWithinDir(tt.path, tt.dir))
		})
	}
}
