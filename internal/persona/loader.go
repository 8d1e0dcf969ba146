// Package persona loads agent profiles from YAML roster files.
package persona

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"roundtable/internal/domain"
)

// ErrNoCoordinator means the roster does not contain exactly one coordinator.
var ErrNoCoordinator = errors.New("roster needs exactly one coordinator")

// LoadFromDirectory loads agent profiles from YAML files in a directory.
// Files must have a .yaml or .yml extension and conform to the AgentProfile
// schema. A missing directory yields the built-in roster.
func LoadFromDirectory(dir string, logger *slog.Logger) ([]domain.AgentProfile, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("persona directory does not exist, using built-in roster", "dir", dir)
		return Defaults(), nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read persona dir: %w", err)
	}

	var roster []domain.AgentProfile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read persona file", "path", path, "err", err)
			continue
		}

		var profile domain.AgentProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			logger.Warn("cannot parse persona file", "path", path, "err", err)
			continue
		}

		if profile.ID == "" {
			profile.ID = domain.AgentID(strings.TrimSuffix(name, filepath.Ext(name)))
		}
		if profile.Name == "" {
			profile.Name = string(profile.ID)
		}
		if profile.Role == "" {
			profile.Role = domain.RoleGeneralist
		}

		logger.Info("loaded persona", "id", profile.ID, "role", profile.Role, "path", path)
		roster = append(roster, profile)
	}

	if len(roster) == 0 {
		logger.Info("no persona files found, using built-in roster", "dir", dir)
		return Defaults(), nil
	}
	if err := Validate(roster); err != nil {
		return nil, err
	}
	return roster, nil
}

// Validate checks roster consistency: unique IDs, known roles, and exactly
// one coordinator.
func Validate(roster []domain.AgentProfile) error {
	seen := make(map[domain.AgentID]bool, len(roster))
	coordinators := 0
	for _, p := range roster {
		if p.ID == "" {
			return errors.New("persona with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate persona id %q", p.ID)
		}
		seen[p.ID] = true
		if !p.Role.Valid() {
			return fmt.Errorf("persona %q has unknown role %q", p.ID, p.Role)
		}
		if p.IsCoordinator() {
			coordinators++
		}
	}
	if coordinators != 1 {
		return fmt.Errorf("%w: found %d", ErrNoCoordinator, coordinators)
	}
	return nil
}

// Defaults returns the built-in four-agent roster.
func Defaults() []domain.AgentProfile {
	return []domain.AgentProfile{
		{
			ID:          "nova",
			Name:        "Nova",
			Role:        domain.RoleCoordinator,
			Description: "Keeps the conversation on track, sets goals, and delegates work.",
			SystemPrompt: "You are Nova, the coordinator of a small team of specialists. " +
				"Restate what the user wants, break it into concrete steps, and delegate " +
				"each step by @mentioning a teammate. Wrap up decisively when the goal is met.",
		},
		{
			ID:          "forge",
			Name:        "Forge",
			Role:        domain.RoleDeveloper,
			Description: "Writes and ships code.",
			SystemPrompt: "You are Forge, the team's developer. Produce working code in " +
				"fenced blocks, state assumptions briefly, and declare done when you ship.",
		},
		{
			ID:          "lens",
			Name:        "Lens",
			Role:        domain.RoleReviewer,
			Description: "Reviews work and catches problems early.",
			SystemPrompt: "You are Lens, the reviewer. Critique concretely: name the " +
				"problem, the place, and the fix. Stay quiet when there is nothing to review.",
		},
		{
			ID:          "echo",
			Name:        "Echo",
			Role:        domain.RoleObserver,
			Description: "A quiet specialist who joins only when invited.",
			SystemPrompt: "You are Echo. You only speak when explicitly brought in; when " +
				"you do, bring a perspective nobody else has raised.",
		},
	}
}

// WriteDefaults writes the built-in roster to dir, one YAML file per
// persona, so users have a starting point to edit.
func WriteDefaults(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create persona dir: %w", err)
	}
	for _, p := range Defaults() {
		data, err := yaml.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal persona %q: %w", p.ID, err)
		}
		path := filepath.Join(dir, string(p.ID)+".yaml")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write persona %q: %w", p.ID, err)
		}
	}
	return nil
}
