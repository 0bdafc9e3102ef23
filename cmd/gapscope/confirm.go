package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
)

var errAborted = errors.New("investigation aborted: no findings kept")

// parseSelection reads "all", "none" or a list of 1-based numbers and ranges
// such as "1,3-4". The result keeps the order given, without repeats.
func parseSelection(input string, n int) ([]int, error) {
	input = strings.ToLower(strings.TrimSpace(input))
	switch input {
	case "", "all", "a", "y", "yes":
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all, nil
	case "none", "n", "no", "q":
		return nil, nil
	}

	var out []int
	seen := make(map[int]bool)
	add := func(i int) error {
		if i < 1 || i > n {
			return fmt.Errorf("finding %d out of range 1-%d", i, n)
		}
		if !seen[i-1] {
			seen[i-1] = true
			out = append(out, i-1)
		}
		return nil
	}

	for _, part := range strings.FieldsFunc(input, func(r rune) bool { return r == ',' || r == ' ' }) {
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid selection %q", part)
		}
		if !isRange {
			if err := add(a); err != nil {
				return nil, err
			}
			continue
		}
		b, err := strconv.Atoi(hi)
		if err != nil || b < a {
			return nil, fmt.Errorf("invalid range %q", part)
		}
		for i := a; i <= b; i++ {
			if err := add(i); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// parseAddedFinding reads "title|phenomenon" from the --add flag.
func parseAddedFinding(s string) (models.Finding, error) {
	title, phenomenon, ok := strings.Cut(s, "|")
	f := models.Finding{Title: strings.TrimSpace(title), Phenomenon: strings.TrimSpace(phenomenon)}
	if !ok || f.Title == "" || f.Phenomenon == "" {
		return models.Finding{}, fmt.Errorf("--add %q: want \"title|phenomenon\"", s)
	}
	return f, nil
}

// selectFindings applies the analyst's choice to the candidates: a --keep
// selection when given, otherwise all with --yes, otherwise a prompt on in.
func selectFindings(candidates []models.Finding, keep string, yes bool, in io.Reader, out io.Writer) ([]models.Finding, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var (
		idx []int
		err error
	)
	switch {
	case keep != "":
		idx, err = parseSelection(keep, len(candidates))
	case yes:
		idx, _ = parseSelection("all", len(candidates))
	default:
		idx, err = promptSelection(len(candidates), in, out)
	}
	if err != nil {
		return nil, err
	}

	kept := make([]models.Finding, 0, len(idx))
	for _, i := range idx {
		kept = append(kept, candidates[i])
	}
	return kept, nil
}

// promptSelection asks until the answer parses or input ends.
func promptSelection(n int, in io.Reader, out io.Writer) ([]int, error) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(out, "Keep which findings? [all] / none / e.g. 1,3-%d: ", n)
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read selection: %w", err)
		}
		idx, perr := parseSelection(line, n)
		if perr == nil {
			return idx, nil
		}
		fmt.Fprintf(out, "  %v\n", perr)
		if errors.Is(err, io.EOF) {
			return nil, perr
		}
	}
}
