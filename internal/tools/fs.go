package tools

import (
	"io/fs"
	"os"
	"path/filepath"
)

// FS — все обращения встроенных инструментов к файловой системе.
// Подменяется в тестах, чтобы проверить, что отклоненный запрос ее не трогал.
type FS interface {
	Stat(name string) (fs.FileInfo, error)
	Lstat(name string) (fs.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	MkdirAll(path string, perm fs.FileMode) error
	ReadDir(name string) ([]fs.DirEntry, error)
	WalkDir(root string, fn fs.WalkDirFunc) error
}

// OSFS — реальная файловая система
type OSFS struct{}

func (OSFS) Stat(name string) (fs.FileInfo, error)  { return os.Stat(name) }
func (OSFS) Lstat(name string) (fs.FileInfo, error) { return os.Lstat(name) }
func (OSFS) ReadFile(name string) ([]byte, error)    { return os.ReadFile(name) }
func (OSFS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}
func (OSFS) MkdirAll(path string, perm fs.FileMode) error { return os.MkdirAll(path, perm) }
func (OSFS) ReadDir(name string) ([]fs.DirEntry, error)   { return os.ReadDir(name) }
func (OSFS) WalkDir(root string, fn fs.WalkDirFunc) error { return filepath.WalkDir(root, fn) }
