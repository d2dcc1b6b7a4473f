package server

import (
	"path/filepath"
	"strings"
)

// CommandValidator decides whether an executable may be spawned. It is
// consulted before any process is created; rejection maps to a
// command-not-allowed error on the wire.
type CommandValidator interface {
	Allow(command string) bool
}

// AllowAll permits every command.
type AllowAll struct{}

func (AllowAll) Allow(string) bool { return true }

// AllowList permits only executables whose base name is in the list.
// Matching ignores the directory part so "/usr/bin/python3" and
// "python3" are the same entry.
type AllowList struct {
	names map[string]struct{}
}

func NewAllowList(commands []string) *AllowList {
	names := make(map[string]struct{}, len(commands))
	for _, c := range commands {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		names[filepath.Base(c)] = struct{}{}
	}
	return &AllowList{names: names}
}

func (l *AllowList) Allow(command string) bool {
	_, ok := l.names[filepath.Base(command)]
	return ok
}
