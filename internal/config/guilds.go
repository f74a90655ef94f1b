package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// GuildConfig holds per-guild placement and staff settings.
type GuildConfig struct {
	StaffRoles     []int64 `yaml:"staff_roles"`
	StaffUsers     []int64 `yaml:"staff_users"`
	TicketCategory int64   `yaml:"ticket_category"`
	LogChannel     int64   `yaml:"log_channel"`
}

// Guilds is the guild configuration provider. Readers always see one
// complete generation of the file; Reload swaps generations atomically.
type Guilds struct {
	byID atomic.Pointer[map[int64]GuildConfig]
}

type guildFile struct {
	Guilds map[int64]GuildConfig `yaml:"guilds"`
}

// LoadGuilds parses the guild file at path. A missing file yields an empty set.
func LoadGuilds(path string) (*Guilds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewGuilds(nil), nil
		}
		return nil, fmt.Errorf("read guild config: %w", err)
	}
	return ParseGuilds(data)
}

// ParseGuilds decodes and validates a YAML guild document.
func ParseGuilds(data []byte) (*Guilds, error) {
	byID, err := parseGuildFile(data)
	if err != nil {
		return nil, err
	}
	return NewGuilds(byID), nil
}

func parseGuildFile(data []byte) (map[int64]GuildConfig, error) {
	var file guildFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse guild config: %w", err)
	}
	for id, g := range file.Guilds {
		if err := g.validate(id); err != nil {
			return nil, err
		}
	}
	return file.Guilds, nil
}

// NewGuilds wraps an in-memory guild map.
func NewGuilds(byID map[int64]GuildConfig) *Guilds {
	g := &Guilds{}
	g.store(byID)
	return g
}

func (g *Guilds) store(byID map[int64]GuildConfig) {
	if byID == nil {
		byID = map[int64]GuildConfig{}
	}
	g.byID.Store(&byID)
}

func (g *Guilds) current() map[int64]GuildConfig {
	if g == nil {
		return nil
	}
	if m := g.byID.Load(); m != nil {
		return *m
	}
	return nil
}

// Reload re-reads path. An invalid file leaves the current settings in place.
// A missing file clears them.
func (g *Guilds) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			g.store(nil)
			return nil
		}
		return fmt.Errorf("read guild config: %w", err)
	}
	byID, err := parseGuildFile(data)
	if err != nil {
		return err
	}
	g.store(byID)
	return nil
}

func (g GuildConfig) validate(guildID int64) error {
	if guildID <= 0 {
		return fmt.Errorf("invalid guild id %d", guildID)
	}
	for _, id := range g.StaffRoles {
		if id <= 0 {
			return fmt.Errorf("guild %d: invalid staff role id %d", guildID, id)
		}
	}
	for _, id := range g.StaffUsers {
		if id <= 0 {
			return fmt.Errorf("guild %d: invalid staff user id %d", guildID, id)
		}
	}
	if g.TicketCategory < 0 {
		return fmt.Errorf("guild %d: invalid ticket_category", guildID)
	}
	if g.LogChannel < 0 {
		return fmt.Errorf("guild %d: invalid log_channel", guildID)
	}
	return nil
}

// Get returns the configuration for guildID, or a zero value.
func (g *Guilds) Get(guildID int64) GuildConfig {
	return g.current()[guildID]
}

// IDs lists configured guilds in ascending order.
func (g *Guilds) IDs() []int64 {
	byID := g.current()
	if byID == nil {
		return nil
	}
	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HasStaffRole checks the statically configured staff users. It backs role
// lookups when no chat platform session is available.
func (g *Guilds) HasStaffRole(_ context.Context, guildID, userID int64) (bool, error) {
	return slices.Contains(g.Get(guildID).StaffUsers, userID), nil
}

// IsStaffRole reports whether roleID is a staff role in guildID.
func (g *Guilds) IsStaffRole(guildID, roleID int64) bool {
	return slices.Contains(g.Get(guildID).StaffRoles, roleID)
}
