package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bhandras/nbruntime/internal/protocol/wire"
)

func names(files []wire.FileInfo) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Name
	}
	return out
}

func TestMemFSListing(t *testing.T) {
	fs := newMemFS()
	fs.write("nb.star", "x = 1")
	fs.write("data/a.csv", "a")
	fs.write("data/deep/b.csv", "b")

	root := fs.list("/")
	require.Equal(t, []string{"data", "nb.star"}, names(root))
	require.True(t, root[0].IsDirectory)
	require.True(t, root[1].IsNotebook)

	require.Equal(t, []string{"a.csv", "deep"}, names(fs.list("data")))
}

func TestMemFSDetails(t *testing.T) {
	fs := newMemFS()
	fs.write("data/a.csv", "a,b")

	d, err := fs.details("data/a.csv")
	require.NoError(t, err)
	require.Equal(t, "a,b", *d.Contents)
	require.Equal(t, "/data/a.csv", d.File.Path)

	d, err = fs.details("data")
	require.NoError(t, err)
	require.True(t, d.File.IsDirectory)
	require.Nil(t, d.Contents)

	_, err = fs.details("missing")
	require.ErrorIs(t, err, errFileNotFound)
}

func TestMemFSMutations(t *testing.T) {
	fs := newMemFS()

	info, err := fs.create(wire.FileCreateRequest{Path: "/", Name: "docs", Type: wire.FileTypeDirectory})
	require.NoError(t, err)
	require.True(t, info.IsDirectory)
	require.Equal(t, []string{"docs"}, names(fs.list("/")))

	_, err = fs.create(wire.FileCreateRequest{Path: "docs", Name: "a.txt", Type: wire.FileTypeFile, Contents: "hi"})
	require.NoError(t, err)
	_, err = fs.create(wire.FileCreateRequest{Path: "docs", Name: "a.txt", Type: wire.FileTypeFile})
	require.ErrorIs(t, err, errFileExists)

	_, err = fs.update("docs/a.txt", "hello")
	require.NoError(t, err)
	s, ok := fs.read("docs/a.txt")
	require.True(t, ok)
	require.Equal(t, "hello", s)

	_, err = fs.move("docs", "notes")
	require.NoError(t, err)
	_, ok = fs.read("docs/a.txt")
	require.False(t, ok)
	s, ok = fs.read("notes/a.txt")
	require.True(t, ok)
	require.Equal(t, "hello", s)

	require.NoError(t, fs.remove("notes"))
	require.Empty(t, fs.list("/"))
	require.ErrorIs(t, fs.remove("notes"), errFileNotFound)

	_, err = fs.update("missing", "x")
	require.ErrorIs(t, err, errFileNotFound)
}
