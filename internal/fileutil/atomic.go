// internal/fileutil/atomic.go
package fileutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// tmpMarker 는 rename 전 임시 파일 이름에 들어가는 표식.
// ".<name>.tmp-<random>" 형태라 ls 기본 출력과 glob(*.parquet)에 잡히지 않는다.
const tmpMarker = ".tmp-"

// WriteAtomic
// ------------------------------------------------------------
// dir/name 을 통째로 교체한다. reader 는 이전 파일 또는 새 파일 중
// 하나만 보게 되고, 반쯤 쓰인 파일은 절대 보지 못한다.
//
//  1. 같은 디렉토리에 숨김 임시 파일 작성 (같은 파일시스템이어야 rename 이 원자적)
//  2. fsync
//  3. rename
//  4. 디렉토리 fsync (rename 자체를 내구화)
func WriteAtomic(dir, name string, r io.Reader) error {
	tmp, err := os.CreateTemp(dir, "."+name+tmpMarker+"*")
	if err != nil {
		return fmt.Errorf("create temp %s: %w", name, err)
	}
	tmpPath := tmp.Name()

	fail := func(step string, err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%s %s: %w", step, name, err)
	}

	if _, err := io.Copy(tmp, r); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", name, err)
	}

	SyncDir(dir)
	return nil
}

// SyncDir 는 디렉토리 엔트리 변경(rename/create/remove)을 디스크에 반영한다.
// 지원하지 않는 플랫폼도 있으므로 오류는 무시.
func SyncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
}

// IsTemp 는 WriteAtomic 이 남긴 임시 파일 이름인지 판단한다.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, tmpMarker)
}

// RemoveStaleTemps 는 root 아래 (하위 디렉토리 포함) 남아있는 임시 파일을 지운다.
// rename 전에 프로세스가 죽은 흔적이며, 지운 개수를 돌려준다.
func RemoveStaleTemps(root string) (int, error) {
	removed := 0
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !IsTemp(d.Name()) {
			return nil
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
		return nil
	})
	return removed, err
}
