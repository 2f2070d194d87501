package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/domain"
)

func (t *Tools) readFile(params map[string]any) (any, error) {
	path, err := stringParam(params, "path", true)
	if err != nil {
		return nil, err
	}
	encoding, err := encodingParam(params)
	if err != nil {
		return nil, err
	}
	limit, err := intParam(params, "max_bytes", t.guard.MaxSize())
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > t.guard.MaxSize() {
		limit = t.guard.MaxSize()
	}

	info, err := t.fs.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("file does not exist: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("file read failed: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is not a file: %s", path)
	}
	// размер проверяется до чтения
	if info.Size() > limit {
		return nil, domain.PolicyViolation("file too large: %d bytes exceeds limit of %d", info.Size(), limit)
	}

	data, err := t.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("file read failed: %w", err)
	}

	var content string
	if encoding == "base64" {
		content = base64.StdEncoding.EncodeToString(data)
	} else {
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("file is not valid utf-8, use encoding=base64: %s", path)
		}
		content = string(data)
	}

	t.logger.Debug("file read", zap.String("path", path), zap.Int("size", len(data)))
	return map[string]any{
		"content":  content,
		"path":     path,
		"size":     len(data),
		"encoding": encoding,
	}, nil
}

func (t *Tools) writeFile(params map[string]any) (any, error) {
	path, err := stringParam(params, "path", true)
	if err != nil {
		return nil, err
	}
	raw, ok := params["content"]
	if !ok || raw == nil {
		return nil, fmt.Errorf("content parameter is required")
	}
	content, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("content parameter must be a string")
	}
	encoding, err := encodingParam(params)
	if err != nil {
		return nil, err
	}

	data := []byte(content)
	if encoding == "base64" {
		if data, err = base64.StdEncoding.DecodeString(content); err != nil {
			return nil, fmt.Errorf("content is not valid base64: %w", err)
		}
	}
	if int64(len(data)) > t.guard.MaxSize() {
		return nil, domain.PolicyViolation("content too large: %d bytes", len(data))
	}

	if err := t.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("file write failed: %w", err)
	}
	if err := t.fs.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("file write failed: %w", err)
	}

	t.logger.Info("file written", zap.String("path", path), zap.Int("size", len(data)))
	return map[string]any{
		"path":     path,
		"size":     len(data),
		"encoding": encoding,
	}, nil
}

func (t *Tools) listDirectory(ctx context.Context, params map[string]any) (any, error) {
	path, err := stringParam(params, "path", false)
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = t.defaultRoot()
	}
	recursive, err := boolParam(params, "recursive")
	if err != nil {
		return nil, err
	}
	pattern, err := stringParam(params, "pattern", false)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		pattern = "*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}

	info, err := t.fs.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("directory does not exist: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("directory listing failed: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", path)
	}

	entries := make([]map[string]any, 0)
	truncated := false
	add := func(p string, d fs.DirEntry) error {
		if ok, _ := filepath.Match(pattern, d.Name()); !ok {
			return nil
		}
		if len(entries) >= maxListEntries {
			truncated = true
			return fs.SkipAll
		}
		fi, err := d.Info()
		if err != nil {
			entries = append(entries, map[string]any{"name": d.Name(), "path": p, "type": "unknown", "error": "could not get file info"})
			return nil
		}
		entries = append(entries, fileInfo(p, fi))
		return nil
	}

	if recursive {
		err = t.fs.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // нечитаемый подкаталог пропускается
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if p == path {
				return nil
			}
			return add(p, d)
		})
	} else {
		var list []fs.DirEntry
		list, err = t.fs.ReadDir(path)
		for _, d := range list {
			if add(filepath.Join(path, d.Name()), d) != nil {
				break
			}
		}
	}
	if err != nil && !errors.Is(err, fs.SkipAll) {
		return nil, fmt.Errorf("directory listing failed: %w", err)
	}

	return map[string]any{
		"path":      path,
		"entries":   entries,
		"count":     len(entries),
		"recursive": recursive,
		"pattern":   pattern,
		"truncated": truncated,
	}, nil
}

func (t *Tools) searchFiles(ctx context.Context, params map[string]any) (any, error) {
	query, err := stringParam(params, "query", true)
	if err != nil {
		return nil, err
	}
	base, err := stringParam(params, "path", false)
	if err != nil {
		return nil, err
	}
	if base == "" {
		base = t.defaultRoot()
	}
	searchType, err := stringParam(params, "type", false)
	if err != nil {
		return nil, err
	}
	if searchType == "" {
		searchType = "both"
	}
	if searchType != "both" && searchType != "filename" && searchType != "content" {
		return nil, fmt.Errorf("type must be filename, content or both")
	}
	if _, err := t.fs.Stat(base); err != nil {
		return nil, fmt.Errorf("search path does not exist: %s", base)
	}

	needle := strings.ToLower(query)
	results := make([]map[string]any, 0)
	truncated := false

	err = t.fs.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			// симлинк, ведущий за пределы корней, не раскрывается
			if _, err := t.guard.ValidatePath(p); err != nil {
				return nil
			}
		}
		info, err := t.fs.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}

		var matches []string
		if searchType != "content" && strings.Contains(strings.ToLower(d.Name()), needle) {
			matches = append(matches, "filename")
		}
		if searchType != "filename" && info.Size() < searchContentLimit {
			if data, err := t.fs.ReadFile(p); err == nil && strings.Contains(strings.ToLower(string(data)), needle) {
				matches = append(matches, "content")
			}
		}
		if len(matches) == 0 {
			return nil
		}
		if len(results) >= maxSearchResults {
			truncated = true
			return fs.SkipAll
		}
		entry := fileInfo(p, info)
		entry["match_type"] = matches
		results = append(results, entry)
		return nil
	})
	if err != nil && !errors.Is(err, fs.SkipAll) {
		return nil, fmt.Errorf("file search failed: %w", err)
	}

	return map[string]any{
		"query":       query,
		"search_path": base,
		"search_type": searchType,
		"results":     results,
		"count":       len(results),
		"truncated":   truncated,
	}, nil
}

func encodingParam(params map[string]any) (string, error) {
	enc, err := stringParam(params, "encoding", false)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(enc) {
	case "", "utf-8", "utf8":
		return "utf-8", nil
	case "base64":
		return "base64", nil
	}
	return "", fmt.Errorf("unsupported encoding %q", enc)
}
