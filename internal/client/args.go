package client

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type PathKind int

const (
	PathFile PathKind = iota
	PathDir
)

type ParsedPath struct {
	FullPath string
	Kind     PathKind
}

// Command is one parsed CLI invocation.
type Command struct {
	Name string
	Args []string
}

// arity is the number of positional arguments each command takes; -1 means
// one or more.
var arity = map[string]int{
	"config":   1,
	"register": 1,
	"login":    1,
	"logout":   0,
	"upload":   -1,
	"download": 1,
	"ls":       0,
	"rm":       1,
}

func ParseCommand(args []string) (*Command, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<command>", Cause: "no command provided"}
	}

	name, rest := args[0], args[1:]
	want, ok := arity[name]
	if !ok {
		return nil, &ValidationError{Arg: name, Cause: "unknown command"}
	}

	switch {
	case want == -1 && len(rest) == 0:
		return nil, &ValidationError{Arg: name, Cause: "expects at least one argument"}
	case want >= 0 && len(rest) != want:
		return nil, &ValidationError{Arg: name, Cause: fmt.Sprintf("expects %d argument(s), got %d", want, len(rest))}
	}

	return &Command{Name: name, Args: rest}, nil
}

func ParseArgs(args []string) ([]ParsedPath, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var out []ParsedPath

	for _, raw := range args {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}

		kind := PathFile
		if info.IsDir() {
			kind = PathDir
		}

		out = append(out, ParsedPath{FullPath: p, Kind: kind})
	}

	return out, nil
}

// UploadFiles resolves parsed paths to the regular files to upload.
// Directories contribute their top-level regular files only, since the vault
// keeps a flat namespace per user. Two files with the same base name are
// rejected because they would overwrite each other.
func UploadFiles(paths []ParsedPath) ([]string, error) {
	var files []string
	seen := make(map[string]string)

	add := func(path string) error {
		base := filepath.Base(path)
		if prev, dup := seen[base]; dup {
			return &ValidationError{Arg: path, Cause: fmt.Sprintf("same file name as %s", prev)}
		}
		seen[base] = path
		files = append(files, path)
		return nil
	}

	for _, p := range paths {
		if p.Kind == PathFile {
			if err := add(p.FullPath); err != nil {
				return nil, err
			}
			continue
		}

		entries, err := os.ReadDir(p.FullPath)
		if err != nil {
			return nil, &ValidationError{Arg: p.FullPath, Cause: "directory not readable"}
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			if err := add(filepath.Join(p.FullPath, e.Name())); err != nil {
				return nil, err
			}
		}
	}

	if len(files) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no regular files to upload"}
	}
	return files, nil
}
