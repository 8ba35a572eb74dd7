package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/yargevad/filepathx"
)

// expandInputs resolves a file, a directory (all **/*.txt below it) or a
// glob pattern that may contain ** into a sorted list of files.
func expandInputs(input string) ([]string, error) {
	if st, err := os.Stat(input); err == nil {
		if !st.IsDir() {
			return []string{input}, nil
		}
		input = strings.TrimRight(input, "/") + "/**/*.txt"
	}
	paths, err := filepathx.Glob(input)
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", input, err)
	}
	files := paths[:0]
	for _, p := range paths {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no input files match %s", input)
	}
	sort.Strings(files)
	return files, nil
}

// cleanLine collapses runs of whitespace and optionally lowercases.
func cleanLine(line string, lower bool) string {
	if lower {
		line = strings.ToLower(line)
	}
	return strings.Join(strings.Fields(line), " ")
}

// readLines returns the cleaned, non-empty lines of a file.
func readLines(path string, lower bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if line := cleanLine(sc.Text(), lower); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}
