package rules

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/fenilsonani/mail-automation/internal/condition"
)

// File is the YAML document accepted by Import.
type File struct {
	Account string     `yaml:"account"`
	Rules   []fileRule `yaml:"rules"`
}

type fileRule struct {
	Name         string                `yaml:"name"`
	Enabled      *bool                 `yaml:"enabled"`
	Automate     bool                  `yaml:"automate"`
	RunOnThreads bool                  `yaml:"runOnThreads"`
	Operator     string                `yaml:"operator"`
	Instructions string                `yaml:"instructions"`
	From         string                `yaml:"from"`
	To           string                `yaml:"to"`
	Subject      string                `yaml:"subject"`
	Body         string                `yaml:"body"`
	Categories   *fileCategories       `yaml:"categories"`
	Gates        []condition.Condition `yaml:"gates"`
	Actions      []fileAction          `yaml:"actions"`
	Patterns     []filePattern         `yaml:"patterns"`
}

type fileCategories struct {
	Type   string   `yaml:"type"`
	Values []string `yaml:"values"`
}

type fileAction struct {
	Type           string `yaml:"type"`
	Label          string `yaml:"label"`
	LabelID        string `yaml:"labelId"`
	FolderName     string `yaml:"folderName"`
	FolderID       string `yaml:"folderId"`
	To             string `yaml:"to"`
	Cc             string `yaml:"cc"`
	Bcc            string `yaml:"bcc"`
	Subject        string `yaml:"subject"`
	Content        string `yaml:"content"`
	DelayInMinutes int    `yaml:"delayInMinutes"`
}

type filePattern struct {
	Type    string `yaml:"type"`
	Value   string `yaml:"value"`
	Exclude bool   `yaml:"exclude"`
}

// ParseFile decodes a rules document.
func ParseFile(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode rules file: %w", err)
	}
	return &f, nil
}

// Build converts the document into validated rules for accountID.
func (f *File) Build(accountID string) ([]*Rule, error) {
	out := make([]*Rule, 0, len(f.Rules))
	for i, fr := range f.Rules {
		r := &Rule{
			AccountID:    accountID,
			Name:         fr.Name,
			Enabled:      fr.Enabled == nil || *fr.Enabled,
			Automate:     fr.Automate,
			RunOnThreads: fr.RunOnThreads,
			Operator:     Operator(fr.Operator),
			Instructions: fr.Instructions,
			From:         fr.From,
			To:           fr.To,
			Subject:      fr.Subject,
			Body:         fr.Body,
			Gates:        fr.Gates,
			Position:     i + 1,
		}
		if fr.Categories != nil {
			r.CategoryFilterType = CategoryFilterType(fr.Categories.Type)
			r.CategoryFilters = fr.Categories.Values
		}
		for _, a := range fr.Actions {
			r.Actions = append(r.Actions, Action{
				Type:           ActionType(a.Type),
				Label:          a.Label,
				LabelID:        a.LabelID,
				FolderName:     a.FolderName,
				FolderID:       a.FolderID,
				To:             a.To,
				Cc:             a.Cc,
				Bcc:            a.Bcc,
				Subject:        a.Subject,
				Content:        a.Content,
				DelayInMinutes: a.DelayInMinutes,
			})
		}
		for _, p := range fr.Patterns {
			r.Patterns = append(r.Patterns, Pattern{Type: PatternType(p.Type), Value: p.Value, Exclude: p.Exclude})
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rules[%d] %q: %w", i, fr.Name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ImportResult counts what Import did.
type ImportResult struct {
	Created int
	Updated int
}

// Import creates or updates rules by name. Patterns from the file replace
// the stored ones only when the file lists any.
func (s *Store) Import(ctx context.Context, accountID string, f *File) (ImportResult, error) {
	var res ImportResult

	built, err := f.Build(accountID)
	if err != nil {
		return res, err
	}

	for _, r := range built {
		existing, err := s.GetByName(ctx, accountID, r.Name)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := s.Create(ctx, r); err != nil {
				return res, fmt.Errorf("create %q: %w", r.Name, err)
			}
			res.Created++
		case err != nil:
			return res, err
		default:
			r.ID = existing.ID
			if err := s.Update(ctx, r); err != nil {
				return res, fmt.Errorf("update %q: %w", r.Name, err)
			}
			if len(r.Patterns) > 0 {
				if err := s.SetPatterns(ctx, r.ID, r.Patterns); err != nil {
					return res, fmt.Errorf("patterns %q: %w", r.Name, err)
				}
			}
			res.Updated++
		}
	}
	return res, nil
}
