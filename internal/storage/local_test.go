package storage

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeName(t *testing.T) {
	cases := map[string]bool{
		"resultado.xlsx":   true,
		" resultado.csv ":  true,
		"":                 false,
		"../etc/passwd":    false,
		"sub/dir.xlsx":     false,
		`..\windows.ini`:   false,
		".env.local":       false,
		"resultado..xlsx":  false,
		"planilha 01.xlsx": true,
	}
	for name, ok := range cases {
		_, err := SafeName(name)
		if ok {
			assert.NoError(t, err, name)
		} else {
			assert.ErrorIs(t, err, ErrInvalidName, name)
		}
	}
}

func TestWriteFileCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	local := NewLocal(filepath.Join(root, "resultados", "consultas_margem"), "")

	path, err := local.WriteFile("out.csv", func(w io.Writer) error {
		_, err := io.WriteString(w, "CPF\n00000000123\n")
		return err
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "CPF\n00000000123\n", string(data))

	entries, err := os.ReadDir(local.ResultsDir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not remain")
}

func TestWriteFileRemovesPartialOnError(t *testing.T) {
	local := NewLocal(filepath.Join(t.TempDir(), "out"), "")

	_, err := local.WriteFile("broken.xlsx", func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return errors.New("boom")
	})
	require.Error(t, err)

	entries, err := os.ReadDir(local.ResultsDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocateSearchesCandidateDirectories(t *testing.T) {
	root := t.TempDir()
	results := filepath.Join(root, "resultados", "consultas_margem")
	temp := filepath.Join(root, "temp")
	require.NoError(t, os.MkdirAll(results, 0o755))
	require.NoError(t, os.MkdirAll(temp, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "resultados", "parent.csv"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(temp, "tmp.csv"), []byte("b"), 0o644))

	local := NewLocal(results, temp)

	path, err := local.Locate("parent.csv")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, filepath.Join("resultados", "parent.csv")))

	path, err = local.Locate("tmp.csv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(temp, "tmp.csv"), path)

	_, err = local.Locate("missing.csv")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = local.Locate("../tmp.csv")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestLocateIgnoresWorkingDirectory(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)
	require.NoError(t, os.WriteFile(filepath.Join(root, "segredo.csv"), []byte("x"), 0o644))

	local := NewLocal(filepath.Join("resultados", "consultas_margem"), "temp")

	_, err := local.Locate("segredo.csv")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
