package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// ReadConfigFiles returns the contents of path. A directory is walked
// recursively and only .yaml and .yml files in it are read; a file named
// directly is read whatever its extension. Files come back in lexical order
// of their absolute path.
func ReadConfigFiles(path string) ([]string, error) {
	files, err := resolve(path, true)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no config files found at %s", path)
	}
	slices.Sort(files)

	texts := make([]string, 0, len(files))
	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		texts = append(texts, string(b))
	}
	return texts, nil
}

// direct is set for the path the user named, as opposed to paths found while
// walking it.
func resolve(path string, direct bool) ([]string, error) {
	i, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !i.IsDir() {
		if f, ok := checkFile(path, direct); ok {
			return []string{f}, nil
		}
		return nil, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("problem while reading directory %s: %w", path, err)
	}

	var files []string
	for _, e := range entries {
		f, err := resolve(filepath.Join(path, e.Name()), false)
		if err != nil {
			return nil, err
		}
		files = append(files, f...)
	}
	return files, nil
}

func checkFile(path string, direct bool) (string, bool) {
	ext := filepath.Ext(path)
	if !direct && ext != ".yaml" && ext != ".yml" {
		return "", false
	}
	ap, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	return ap, true
}
