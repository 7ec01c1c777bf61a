// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !windows

// Package lookpath resolves executable names against an explicit environment
// rather than the process environment.
package lookpath

import (
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

func pathDirs(env []string) []string {
	path := os.Getenv("PATH")
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			path = v
		}
	}
	var dirs []string
	for _, dir := range strings.Split(path, string(filepath.ListSeparator)) {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// Look returns the absolute path of the executable with the given name. If
// name is a single path component, the dirs in the env's PATH (falling back
// to the process PATH) are consulted and the first match is returned.
// Multi-component names are looked up directly.
//
// The behavior is the same as LookPath in the os/exec package, but the env
// is passed in explicitly as a slice of "key=value" entries.
func Look(env []string, name string) (string, error) {
	var dirs []string
	base := filepath.Base(name)
	if base == name {
		dirs = pathDirs(env)
	} else {
		dirs = []string{filepath.Dir(name)}
	}
	for _, dir := range dirs {
		if file, ok := isExecutablePath(dir, base); ok {
			return file, nil
		}
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}

func isExecutablePath(dir, base string) (string, bool) {
	file, err := filepath.Abs(filepath.Join(dir, base))
	if err != nil {
		return "", false
	}
	info, err := os.Stat(file)
	if err != nil {
		return "", false
	}
	if !isExecutable(info) {
		return "", false
	}
	return file, true
}

func isExecutable(info fs.FileInfo) bool {
	return !info.IsDir() && info.Mode()&0111 != 0
}
