package templates

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSandboxValidatesRoot(t *testing.T) {
	sb, err := NewSandbox("")
	require.Error(t, err)
	require.Nil(t, sb)

	file := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = NewSandbox(file)
	require.Error(t, err)

	dir := t.TempDir()
	sb, err = NewSandbox(dir)
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Equal(t, want, sb.Root())
}

func TestSandboxResolve(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "templates")
	require.NoError(t, os.MkdirAll(nested, 0o750))
	target := filepath.Join(nested, "title.tmpl")
	require.NoError(t, os.WriteFile(target, []byte("hi"), 0o600))

	sb, err := NewSandbox(nested)
	require.NoError(t, err)
	target, err = filepath.EvalSymlinks(target)
	require.NoError(t, err)

	resolved, err := sb.Resolve("title.tmpl")
	require.NoError(t, err)
	require.Equal(t, target, resolved)

	resolved, err = sb.Resolve("./sub/../title.tmpl")
	require.NoError(t, err)
	require.Equal(t, target, resolved)

	_, err = sb.Resolve("../outside")
	require.Error(t, err)
	require.Contains(t, err.Error(), "escapes")

	var nilSandbox *Sandbox
	_, err = nilSandbox.Resolve("title.tmpl")
	require.Error(t, err)
}

func TestSandboxResolveSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require admin on Windows CI")
	}
	root := t.TempDir()
	outside := t.TempDir()
	outsideFile := filepath.Join(outside, "data.txt")
	require.NoError(t, os.WriteFile(outsideFile, []byte("secret"), 0o600))

	link := filepath.Join(root, "link.tmpl")
	require.NoError(t, os.Symlink(outsideFile, link))

	sb, err := NewSandbox(root)
	require.NoError(t, err)

	_, err = sb.Resolve("link.tmpl")
	require.Error(t, err)
	require.Contains(t, err.Error(), "escapes")
}

func TestSandboxRead(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "body.tmpl"), []byte("{{ .Body }}"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir.tmpl"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "huge.tmpl"), make([]byte, MaxTemplateSize+1), 0o600))

	sb, err := NewSandbox(root)
	require.NoError(t, err)

	name, contents, err := sb.Read("body.tmpl")
	require.NoError(t, err)
	require.Equal(t, "body.tmpl", name)
	require.Equal(t, "{{ .Body }}", contents)

	_, _, err = sb.Read("dir.tmpl")
	require.ErrorContains(t, err, "not a regular file")

	_, _, err = sb.Read("huge.tmpl")
	require.ErrorContains(t, err, "exceeds")

	_, _, err = sb.Read("missing.tmpl")
	require.Error(t, err)

	_, _, err = sb.Read("../body.tmpl")
	require.ErrorContains(t, err, "escapes")
}
