package policy

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/xela07ax/waygate/internal/domain"
)

// ValidatePath канонизирует путь и проверяет, что он лежит внутри разрешенного корня.
// Единственная защита от path traversal для файловых инструментов.
//
// Порядок: сначала чисто лексическая проверка (без обращения к ФС),
// затем раскрытие симлинков и повторная проверка канонической формы.
func (v *Validator) ValidatePath(p string) (string, error) {
	if p == "" {
		return "", domain.PolicyViolation("empty path")
	}
	if strings.IndexByte(p, 0) >= 0 {
		return "", domain.PolicyViolation("path contains a null byte")
	}
	if len(p) > v.maxPathLen {
		return "", domain.PolicyViolation("path is longer than %d bytes", v.maxPathLen)
	}
	for _, part := range strings.Split(p, string(filepath.Separator)) {
		if len(part) > maxNameLen {
			return "", domain.PolicyViolation("path component is longer than %d bytes", maxNameLen)
		}
	}

	if !filepath.IsAbs(p) {
		p = filepath.Join(v.roots[0], p)
	}
	cleaned := filepath.Clean(p)
	if !withinAny(v.lexRoots, cleaned) && !withinAny(v.roots, cleaned) {
		return "", domain.PolicyViolation("path %q is outside allowed roots", cleaned)
	}

	resolved, err := v.resolveExisting(cleaned)
	if err != nil {
		return "", err
	}
	if !withinAny(v.roots, resolved) {
		return "", domain.PolicyViolation("path %q resolves outside allowed roots", cleaned)
	}
	return resolved, nil
}

// resolveExisting раскрывает симлинки у самого глубокого существующего предка,
// несуществующий хвост (новый файл для write_file) дописывается как есть.
func (v *Validator) resolveExisting(p string) (string, error) {
	cur, rest := p, ""
	for {
		r, err := v.resolver.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(r, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", domain.WrapError(domain.KindPolicyViolation, err, "cannot canonicalize path")
		}
		// Висячий симлинк: EvalSymlinks говорит NotExist, но запись по нему уйдет за корень
		if fi, lerr := v.resolver.Lstat(cur); lerr == nil && fi.Mode()&fs.ModeSymlink != 0 {
			return "", domain.PolicyViolation("path %q is a dangling symlink", cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

func withinAny(roots []string, p string) bool {
	for _, r := range roots {
		if within(r, p) {
			return true
		}
	}
	return false
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(p, root)
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}
