package tagger

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed vocabulary.yaml
var defaultVocabulary []byte

// Entry is one vocabulary item: a canonical tag and the reference phrase
// that gets embedded for it.
type Entry struct {
	Tag    string
	Phrase string
}

// Vocabulary is the fixed tag set the auto-tagger scores against. It is
// an external data table so it can be swapped without recompiling.
type Vocabulary struct {
	Entries []Entry
}

type vocabularyFile struct {
	Tags map[string]string `yaml:"tags"`
}

// LoadVocabulary reads a YAML vocabulary from path; an empty path loads
// the embedded default. Entries are ordered by tag for deterministic
// iteration.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data := defaultVocabulary
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read vocabulary %s: %w", path, err)
		}
	}

	var vf vocabularyFile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	if len(vf.Tags) == 0 {
		return nil, fmt.Errorf("vocabulary has no tags")
	}

	v := &Vocabulary{Entries: make([]Entry, 0, len(vf.Tags))}
	for tag, phrase := range vf.Tags {
		if phrase == "" {
			phrase = tag
		}
		v.Entries = append(v.Entries, Entry{Tag: tag, Phrase: phrase})
	}
	sort.Slice(v.Entries, func(i, j int) bool { return v.Entries[i].Tag < v.Entries[j].Tag })
	return v, nil
}
