// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Console writes trace lines for the operator.
//
// Thread Safety: Safe for concurrent use; every write holds the console
// lock so lines from parallel callers never interleave mid-line.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	styled bool
}

// NewConsole creates a console writing to out.
//
// Styling is enabled only when out is a terminal and NO_COLOR is unset.
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	styled := false
	if f, ok := out.(*os.File); ok {
		fd := f.Fd()
		styled = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
	if os.Getenv("NO_COLOR") != "" {
		styled = false
	}
	return &Console{out: out, styled: styled}
}

// NewPlainConsole creates a console that never emits ANSI styling.
func NewPlainConsole(out io.Writer) *Console {
	return &Console{out: out}
}

// Discard returns a console that drops everything.
func Discard() *Console {
	return NewPlainConsole(io.Discard)
}

// Styled reports whether ANSI styling is active.
func (c *Console) Styled() bool { return c.styled }

// Step prints a "[+] " progress line.
func (c *Console) Step(format string, args ...any) {
	c.marked(MarkerStep, fmt.Sprintf(format, args...))
}

// Warn prints a "[!] " line.
func (c *Console) Warn(format string, args ...any) {
	c.marked(MarkerWarning, fmt.Sprintf(format, args...))
}

// Block prints a titled block: a blank line, "[=] title", then content.
func (c *Console) Block(title, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\n%s %s\n%s\n", c.marker(MarkerBlock), c.render(Styles.Block, title), content)
}

// Heading prints an emphasised line preceded by a blank line.
func (c *Console) Heading(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\n%s\n", c.render(Styles.Heading, text))
}

// Line prints text followed by a newline, unstyled.
func (c *Console) Line(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, text)
}

// Write implements io.Writer for live token echo.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

func (c *Console) marked(m Marker, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Multi-line messages keep the marker on the first line only.
	text = strings.TrimRight(text, "\n")
	fmt.Fprintf(c.out, "%s %s\n", c.marker(m), text)
}

func (c *Console) marker(m Marker) string {
	if c.styled {
		return m.Render()
	}
	return string(m)
}

func (c *Console) render(style interface{ Render(...string) string }, text string) string {
	if c.styled {
		return style.Render(text)
	}
	return text
}
