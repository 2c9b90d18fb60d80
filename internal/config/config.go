// Package config loads and serves the safety-sources configuration: the
// groups and sources that are allowed to push reports, together with the
// caller-identity and content restrictions enforced on each of them.
// Source and group definitions are device configuration, not user data;
// they are read once at startup and hot-reloaded by Watcher.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/safehub/safehub/internal/models"
)

// SourceType distinguishes how a source participates in aggregation.
type SourceType string

const (
	// SourceTypeDynamic sources push full reports and must always carry
	// an overall status.
	SourceTypeDynamic SourceType = "dynamic"
	// SourceTypeIssueOnly sources push issues without an overall status.
	SourceTypeIssueOnly SourceType = "issue-only"
	// SourceTypeStatic sources never push; they exist for display only.
	SourceTypeStatic SourceType = "static"
)

// Source is one configured safety source.
type Source struct {
	ID                string               `json:"id" validate:"required"`
	Type              SourceType           `json:"type" validate:"required,oneof=dynamic issue-only static"`
	PackageName       string               `json:"packageName" validate:"required_unless=Type static"`
	CertHashes        []string             `json:"certHashes,omitempty"`
	MaxSeverity       models.SeverityLevel `json:"maxSeverity" validate:"gte=0,lte=3"`
	AllowedCategories []string             `json:"allowedCategories,omitempty"`
	ManagedProfiles   bool                 `json:"managedProfiles"`
	Loggable          bool                 `json:"loggable"`
	Enabled           bool                 `json:"enabled"`
}

// SourceGroup is a display grouping of sources.
type SourceGroup struct {
	ID      string   `json:"id" validate:"required"`
	Title   string   `json:"title"`
	Sources []Source `json:"sources" validate:"required,min=1,dive"`
}

// SourcesConfig is the full parsed configuration. Read methods are safe
// for concurrent use; the supplementary cert allowlist is the only
// runtime-mutable part.
type SourcesConfig struct {
	Groups []SourceGroup `json:"groups" validate:"required,min=1,dive"`

	mu              sync.RWMutex
	extraCertHashes map[string][]string
	sourceIndex     map[string]sourceEntry
}

type sourceEntry struct {
	source  *Source
	groupID string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates the sources configuration file.
func Load(path string) (*SourcesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources config: %w", err)
	}
	return Parse(data)
}

// Parse validates and indexes a raw configuration document.
func Parse(data []byte) (*SourcesConfig, error) {
	var cfg SourcesConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse sources config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid sources config: %w", err)
	}
	cfg.buildIndex()
	return &cfg, nil
}

func (c *SourcesConfig) buildIndex() {
	c.sourceIndex = make(map[string]sourceEntry)
	c.extraCertHashes = make(map[string][]string)
	for gi := range c.Groups {
		group := &c.Groups[gi]
		for si := range group.Sources {
			source := &group.Sources[si]
			if _, dup := c.sourceIndex[source.ID]; dup {
				log.Warn().Str("sourceId", source.ID).Msg("Duplicate source id in config, keeping first")
				continue
			}
			c.sourceIndex[source.ID] = sourceEntry{source: source, groupID: group.ID}
		}
	}
}

// Source returns the configured source with the given id.
func (c *SourcesConfig) Source(sourceID string) (*Source, bool) {
	entry, ok := c.sourceIndex[sourceID]
	if !ok {
		return nil, false
	}
	return entry.source, true
}

// GroupID returns the id of the group a source belongs to.
func (c *SourcesConfig) GroupID(sourceID string) (string, bool) {
	entry, ok := c.sourceIndex[sourceID]
	if !ok {
		return "", false
	}
	return entry.groupID, true
}

// IsConfigured reports whether a source id exists and is enabled. Used to
// filter persisted dismissal records at startup.
func (c *SourcesConfig) IsConfigured(sourceID string) bool {
	entry, ok := c.sourceIndex[sourceID]
	return ok && entry.source.Enabled
}

// ActiveSources returns every enabled non-static source in group order.
func (c *SourcesConfig) ActiveSources() []*Source {
	var out []*Source
	for gi := range c.Groups {
		for si := range c.Groups[gi].Sources {
			s := &c.Groups[gi].Sources[si]
			if s.Enabled && s.Type != SourceTypeStatic {
				out = append(out, s)
			}
		}
	}
	return out
}

// AllowsCategory reports whether a source may report issues of the given
// category. An empty allowlist allows everything; entries are wildcard
// patterns ("privacy", "personal_*").
func (s *Source) AllowsCategory(category models.Category) bool {
	if len(s.AllowedCategories) == 0 {
		return true
	}
	for _, pattern := range s.AllowedCategories {
		if wildcard.Match(pattern, string(category)) {
			return true
		}
	}
	return false
}

// SetAdditionalCertHashes installs the runtime-configured supplementary
// certificate allowlist for a source.
func (c *SourcesConfig) SetAdditionalCertHashes(sourceID string, hashes []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extraCertHashes[sourceID] = append([]string(nil), hashes...)
}

// MatchesCert reports whether any of the caller's signing certificate
// hashes is allowed for the source, either by the primary configured
// allowlist or the supplementary runtime one. A source with no configured
// hashes accepts any caller holding its package name.
func (c *SourcesConfig) MatchesCert(sourceID string, callerHashes []string) bool {
	source, ok := c.Source(sourceID)
	if !ok {
		return false
	}
	c.mu.RLock()
	extra := c.extraCertHashes[sourceID]
	c.mu.RUnlock()

	if len(source.CertHashes) == 0 && len(extra) == 0 {
		return true
	}
	for _, caller := range callerHashes {
		for _, allowed := range source.CertHashes {
			if caller == allowed {
				return true
			}
		}
		for _, allowed := range extra {
			if caller == allowed {
				return true
			}
		}
	}
	return false
}
