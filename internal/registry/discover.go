package registry

import (
	"fmt"

	"ancs/internal/config"
)

// Source lists and reads drop-in candidates. config.Loader implements it.
type Source interface {
	ListDropIns() ([]string, error)
	LoadDropIn(name string) (config.DropIn, error)
}

// Candidate is one discovered drop-in configuration. Err is set when its
// settings could not be read; Load skips such candidates.
type Candidate struct {
	Name     string
	Settings config.DropIn
	Err      error
}

// Candidates lists src and reads the settings of every candidate. Only a
// failure to list is returned as an error.
func Candidates(src Source) ([]Candidate, error) {
	names, err := src.ListDropIns()
	if err != nil {
		return nil, fmt.Errorf("failed to discover drop-ins: %w", err)
	}

	result := make([]Candidate, 0, len(names))
	for _, name := range names {
		settings, err := src.LoadDropIn(name)
		result = append(result, Candidate{Name: name, Settings: settings, Err: err})
	}
	return result, nil
}

// Static builds candidates with empty settings for the given names.
func Static(names ...string) []Candidate {
	result := make([]Candidate, len(names))
	for i, name := range names {
		result[i] = Candidate{Name: name, Settings: config.DropIn{Name: name}}
	}
	return result
}
