package mirror

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const (
	// TempFilePrefix は取得中の一時ファイル名の接頭辞。
	TempFilePrefix = ".attendsync-"
	// TempFileSuffix は取得中の一時ファイル名の接尾辞。
	TempFileSuffix = ".tmp"
)

// IsTempFile は名前が取得中の一時ファイルかどうかを返す。
func IsTempFile(name string) bool {
	base := path.Base(filepath.ToSlash(name))
	return strings.HasPrefix(base, TempFilePrefix) && strings.HasSuffix(base, TempFileSuffix)
}

// localPath はスラッシュ区切りの相対パスをローカルの絶対パスに変換する。
func (s *Synchronizer) localPath(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// scanLocal はミラーのルート以下にある対象ファイルの相対パスとサイズを返す。
// 一時ファイルは含めない。
func (s *Synchronizer) scanLocal() (map[string]int64, error) {
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("キャッシュディレクトリの作成に失敗しました: %w", err)
	}

	files := make(map[string]int64)
	err := afero.Walk(s.fs, s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || IsTempFile(p) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !s.wantFile(rel) {
			return nil
		}
		files[rel] = info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("キャッシュディレクトリの走査に失敗しました: %w", err)
	}
	return files, nil
}

// writeAtomic はrの内容を一時ファイルに書き込み、検証後にrelへリネームする。
// expectedが0以上の場合は書き込んだバイト数と一致しなければ失敗とする。
// 失敗時は既存のファイルに触れない。
func (s *Synchronizer) writeAtomic(rel string, r io.Reader, expected int64) (int64, error) {
	target := s.localPath(rel)
	dir := filepath.Dir(target)

	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("ディレクトリの作成に失敗しました: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, TempFilePrefix+"*"+TempFileSuffix)
	if err != nil {
		return 0, fmt.Errorf("一時ファイルの作成に失敗しました: %w", err)
	}
	tmpName := tmp.Name()

	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()

	switch {
	case copyErr != nil:
		err = fmt.Errorf("ダウンロードに失敗しました: %w", copyErr)
	case closeErr != nil:
		err = fmt.Errorf("一時ファイルのクローズに失敗しました: %w", closeErr)
	case expected >= 0 && n != expected:
		err = fmt.Errorf("サイズが一致しません: got %d bytes, want %d", n, expected)
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return 0, err
	}

	if err := s.fs.Rename(tmpName, target); err != nil {
		_ = s.fs.Remove(tmpName)
		return 0, fmt.Errorf("ファイルの置き換えに失敗しました: %w", err)
	}

	return n, nil
}

// removeFile はローカルファイルを削除し、空になった親ディレクトリをルートまで削除する。
// ファイルが既に存在しない場合は成功とみなす。
func (s *Synchronizer) removeFile(rel string) error {
	target := s.localPath(rel)
	if err := s.fs.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ファイルの削除に失敗しました: %w", err)
	}
	s.pruneEmptyDirs(filepath.Dir(target))
	return nil
}

// pruneEmptyDirs はdirから上に向かって空のディレクトリを削除する。ルート自体は削除しない。
func (s *Synchronizer) pruneEmptyDirs(dir string) {
	root := filepath.Clean(s.root)
	for {
		dir = filepath.Clean(dir)
		if dir == root || !strings.HasPrefix(dir, root+string(filepath.Separator)) {
			return
		}
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := s.fs.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
