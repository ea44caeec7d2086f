package converge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maypok86/otter"
)

const (
	marketplaceBase     = "https://clawhub.dev/api"
	marketplaceCacheTTL = 30 * time.Minute
)

// Skill is one marketplace listing.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SourceURL   string `json:"source_url"`
	Stars       int    `json:"stars"`
}

// Marketplace searches the public skill index. Results are cached per
// query because the index changes slowly and searches repeat.
type Marketplace struct {
	BaseURL string
	HTTP    *http.Client

	cache otter.Cache[string, []Skill]
}

// NewMarketplace builds a marketplace client with a 30-minute result
// cache.
func NewMarketplace() *Marketplace {
	cache, err := otter.MustBuilder[string, []Skill](1024).
		WithTTL(marketplaceCacheTTL).
		Build()
	if err != nil {
		panic(fmt.Sprintf("marketplace cache: %v", err))
	}
	return &Marketplace{
		BaseURL: marketplaceBase,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		cache:   cache,
	}
}

// Search queries the index for skills matching q.
func (m *Marketplace) Search(ctx context.Context, q string) ([]Skill, error) {
	q = strings.TrimSpace(strings.ToLower(q))
	if q == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if hit, ok := m.cache.Get(q); ok {
		return hit, nil
	}

	endpoint := fmt.Sprintf("%s/search?q=%s", m.BaseURL, url.QueryEscape(q))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build search: %w", err)
	}
	resp, err := m.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("skill search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("skill search: status %d", resp.StatusCode)
	}

	var env struct {
		Results []Skill `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode skill search: %w", err)
	}

	// Only index results installable through InstallSkill.
	out := make([]Skill, 0, len(env.Results))
	for _, s := range env.Results {
		if skillNameRe.MatchString(s.Name) && strings.HasPrefix(s.SourceURL, skillSourcePrefix) {
			out = append(out, s)
		}
	}
	m.cache.Set(q, out)
	return out, nil
}
