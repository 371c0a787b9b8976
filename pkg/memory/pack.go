package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// PackResult is the envelope recall_memory returns. Pack carries the
// bracketed context sections; the flags and counts let the caller audit
// what was loaded without parsing the pack.
type PackResult struct {
	Pack             string         `json:"pack"`
	OnboardingNeeded bool           `json:"onboarding_needed"`
	ProfileLoaded    bool           `json:"profile_loaded"`
	Counts           map[string]int `json:"counts"`
}

const packNuggetLimit = 6

// BuildPack assembles the context pack for one turn: the user profile
// verbatim, plus the nuggets most relevant to the user's message.
func (s *Store) BuildPack(ctx context.Context, userMessage string) (*PackResult, error) {
	result := &PackResult{
		Counts: map[string]int{},
	}

	profile := s.readProfile()
	result.ProfileLoaded = profile != ""
	result.OnboardingNeeded = profile == ""
	if result.ProfileLoaded {
		result.Counts["profile"] = 1
	}

	nuggets, err := s.relevantNuggets(ctx, userMessage)
	if err != nil {
		return nil, err
	}
	result.Counts["nuggets"] = len(nuggets)

	status := s.Status()
	result.Counts["files"] = status.TotalFiles

	var b strings.Builder
	if profile != "" {
		b.WriteString("[MEMORY CONTEXT]\n")
		b.WriteString(profile)
		b.WriteString("\n[/MEMORY CONTEXT]\n")

		if name := profileName(profile); name != "" {
			b.WriteString("\nYou know this user as ")
			b.WriteString(name)
			b.WriteString(".\n")
		}
	}
	if len(nuggets) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[NUGGETS]\n")
		for _, n := range nuggets {
			b.WriteString("- ")
			b.WriteString(n)
			b.WriteString("\n")
		}
		b.WriteString("[/NUGGETS]\n")
	}

	result.Pack = b.String()
	return result, nil
}

func (s *Store) readProfile() string {
	data, err := os.ReadFile(filepath.Join(s.dir, ProfileFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// profileName pulls the display name from the profile's first heading
func profileName(profile string) string {
	for _, line := range strings.Split(profile, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}

// relevantNuggets searches the index for the user's message and keeps
// hits from the nuggets directory
func (s *Store) relevantNuggets(ctx context.Context, userMessage string) ([]string, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, nil
	}

	results, err := s.Search(ctx, ftsQuery(userMessage), &SearchOptions{
		Limit:         50,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
	})
	if err != nil {
		return nil, err
	}

	var nuggets []string
	for _, r := range results {
		if !strings.HasPrefix(r.FilePath, NuggetsDir+string(filepath.Separator)) {
			continue
		}
		nuggets = append(nuggets, strings.TrimSpace(r.Content))
		if len(nuggets) >= packNuggetLimit {
			break
		}
	}
	return nuggets, nil
}

// ftsQuery turns free text into an FTS5 OR-query so punctuation in the
// user's message cannot break MATCH syntax
func ftsQuery(text string) string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !isWordRune(r)
	})
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return r > 127
}
