// Package storage は結果ファイルを置くローカルディレクトリを管理します。
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidName はファイル名として受け付けられない値を表します。
var ErrInvalidName = errors.New("invalid file name")

// Local は結果ディレクトリと、ダウンロード時に探索する候補ディレクトリを保持します。
//
//	<ResultsDir>            例: resultados/consultas_margem
//	<ResultsDir の親>        例: resultados
//	<TempDir>               例: temp
//
// 作業ディレクトリは探索しません。
type Local struct {
	resultsDir string
	searchDirs []string
}

// NewLocal は Local を作成します。tempDir は空でも構いません。
func NewLocal(resultsDir, tempDir string) *Local {
	dirs := []string{resultsDir}
	if parent := filepath.Dir(resultsDir); parent != "." && parent != resultsDir {
		dirs = append(dirs, parent)
	}
	if tempDir != "" {
		dirs = append(dirs, tempDir)
	}
	return &Local{resultsDir: resultsDir, searchDirs: dirs}
}

// ResultsDir は結果ファイルの保存先を返します。
func (l *Local) ResultsDir() string {
	return l.resultsDir
}

// EnsureResultsDir は保存先ディレクトリを作成します。
func (l *Local) EnsureResultsDir() error {
	if err := os.MkdirAll(l.resultsDir, 0o755); err != nil {
		return fmt.Errorf("結果ディレクトリの作成に失敗しました: %w", err)
	}
	return nil
}

// SafeName はパス要素を取り除いたファイル名を返します。
func SafeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", ErrInvalidName
	}
	base := filepath.Base(name)
	if base == "." || strings.HasPrefix(base, ".") {
		return "", ErrInvalidName
	}
	return base, nil
}

// WriteFile は一時ファイルに書き込んでから rename することで、途中状態のファイルを公開しません。
func (l *Local) WriteFile(name string, write func(w io.Writer) error) (string, error) {
	safe, err := SafeName(name)
	if err != nil {
		return "", err
	}
	if err := l.EnsureResultsDir(); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(l.resultsDir, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("一時ファイルの作成に失敗しました: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func(cause error) error {
		_ = tmp.Close()
		if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return errors.Join(cause, rmErr)
		}
		return cause
	}

	if err := write(tmp); err != nil {
		return "", cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		return "", cleanup(err)
	}

	dest := filepath.Join(l.resultsDir, safe)
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", cleanup(fmt.Errorf("結果ファイルの保存に失敗しました: %w", err))
	}
	return dest, nil
}

// Locate は候補ディレクトリを順に探索し、最初に見つかったファイルのパスを返します。
// 見つからない場合は fs.ErrNotExist を返します。
func (l *Local) Locate(name string) (string, error) {
	safe, err := SafeName(name)
	if err != nil {
		return "", err
	}
	for _, dir := range l.searchDirs {
		path := filepath.Join(dir, safe)
		info, statErr := os.Stat(path)
		if statErr != nil {
			if errors.Is(statErr, fs.ErrNotExist) {
				continue
			}
			return "", statErr
		}
		if info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", fs.ErrNotExist
}
