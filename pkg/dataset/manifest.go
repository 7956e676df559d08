package dataset

// Package dataset reads the CSV manifests that pair each source video with
// its synthetic background video. Row format:
//
//	fg_path, bg_path, labels, negative
//
// where labels is a single class index or a bracketed multi-label list
// (eg "[2, 7]"), and negative marks a background-only example.

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Entry struct {
	FGPath   string
	BGPath   string
	Labels   []int
	Negative bool
}

// SourceID identifies the entry's video: its filename without extension.
func (e *Entry) SourceID() string {
	base := filepath.Base(e.FGPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

type Manifest struct {
	Split   string // "train", "val" or "test"
	Entries []Entry
}

// MissingArtifactError reports a manifest entry whose paired background video
// does not exist on disk. Fatal for that sample; substituting a blank
// background would silently bias training.
type MissingArtifactError struct {
	FGPath string
	BGPath string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("no background artifact %v for source %v", e.BGPath, e.FGPath)
}

// Load reads the manifest for one split, eg Load("dataset/annotations", "train").
func Load(dir, split string) (*Manifest, error) {
	filename := filepath.Join(dir, split+".csv")
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("Failed to open manifest %v: %w", filename, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1 // multi-label lists add fields; we re-join them
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("Failed to parse manifest %v: %w", filename, err)
	}
	m := &Manifest{Split: split}
	for i, row := range rows {
		entry, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("Manifest %v row %v: %w", filename, i+1, err)
		}
		m.Entries = append(m.Entries, entry)
	}
	if len(m.Entries) == 0 {
		return nil, fmt.Errorf("Manifest %v is empty", filename)
	}
	return m, nil
}

// parseRow splits a manifest row. The label field may contain commas inside
// brackets, so it spans fields 2..len-2; the first two and the last field are
// fixed.
func parseRow(row []string) (Entry, error) {
	if len(row) < 4 {
		return Entry{}, fmt.Errorf("expected at least 4 fields, got %v", len(row))
	}
	labelStr := strings.Join(row[2:len(row)-1], ",")
	labels, err := parseLabels(labelStr)
	if err != nil {
		return Entry{}, err
	}
	negative, err := strconv.ParseBool(strings.TrimSpace(row[len(row)-1]))
	if err != nil {
		return Entry{}, fmt.Errorf("invalid negative flag '%v'", row[len(row)-1])
	}
	return Entry{
		FGPath:   strings.TrimSpace(row[0]),
		BGPath:   strings.TrimSpace(row[1]),
		Labels:   labels,
		Negative: negative,
	}, nil
}

// parseLabels accepts "3" or "[1, 4]".
func parseLabels(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	multi := strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]")
	if multi {
		s = s[1 : len(s)-1]
	}
	labels := []int{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid label '%v'", part)
		}
		labels = append(labels, v)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("no labels in '%v'", s)
	}
	if len(labels) > 1 && !multi {
		return nil, fmt.Errorf("multi-label list '%v' must be bracketed", s)
	}
	return labels, nil
}

// VerifyArtifacts checks that every entry's background video exists, returning
// one MissingArtifactError per missing artifact.
func (m *Manifest) VerifyArtifacts() []error {
	errs := []error{}
	for i := range m.Entries {
		if err := m.Entries[i].VerifyArtifact(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// VerifyArtifact checks that the entry's paired background video exists.
func (e *Entry) VerifyArtifact() error {
	if _, err := os.Stat(e.BGPath); err != nil {
		return &MissingArtifactError{FGPath: e.FGPath, BGPath: e.BGPath}
	}
	return nil
}
