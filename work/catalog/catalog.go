// Package catalog maintains the channel list that backs the text listing
// and the admin API.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/ratelimit"

	"kptv-timeshift/work/cache"
	"kptv-timeshift/work/client"
	"kptv-timeshift/work/config"
	"kptv-timeshift/work/logger"
	"kptv-timeshift/work/parser"
	"kptv-timeshift/work/types"
	"kptv-timeshift/work/utils"
)

// ErrNoSource is returned when neither list source produced any content.
var ErrNoSource = errors.New("no channel list source available")

// Catalog fetches, parses and caches the channel list.
type Catalog struct {
	config     *config.Config
	httpClient *client.HeaderSettingClient
	cache      *cache.Cache
	limiter    ratelimit.Limiter
}

// New creates a Catalog. Source fetches are limited to cfg.CatalogRate per
// second.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, c *cache.Cache) *Catalog {
	rate := cfg.CatalogRate
	if rate <= 0 {
		rate = 1
	}
	return &Catalog{
		config:     cfg,
		httpClient: httpClient,
		cache:      c,
		limiter:    ratelimit.New(rate),
	}
}

// Channels returns the channel list, from cache unless force is set or the
// cached copy has expired. An empty result is returned, not an error, when
// both sources fail; the empty list is not cached.
func (c *Catalog) Channels(ctx context.Context, force bool) []types.Channel {
	if !force {
		if channels, ok := c.cache.GetChannels(); ok {
			return channels
		}
	}

	raw, err := c.fetchList(ctx)
	if err != nil {
		logger.Error("{catalog/catalog - Channels} %v", err)
		return nil
	}

	channels := parser.ParseChannelList(raw)
	c.cache.SetChannels(channels)
	logger.Info("{catalog/catalog - Channels} loaded %d channels", len(channels))
	return channels
}

// Cached returns the cached list without fetching.
func (c *Catalog) Cached() ([]types.Channel, bool) {
	return c.cache.GetChannels()
}

// Clear drops the cached list.
func (c *Catalog) Clear() {
	c.cache.Clear()
}

// Rebuild clears the cache and reloads the list, returning a short
// plain-text report.
func (c *Catalog) Rebuild(ctx context.Context) string {
	c.Clear()
	results := []string{"cache cleared"}

	if channels := c.Channels(ctx, true); len(channels) > 0 {
		results = append(results, fmt.Sprintf("channel list rebuilt, count: %d", len(channels)))
	} else {
		results = append(results, "channel list rebuild failed")
	}
	return strings.Join(results, "\n")
}

func (c *Catalog) fetchList(ctx context.Context) (string, error) {
	for _, source := range []string{c.config.ListURL, c.config.BackupListURL} {
		if source == "" {
			continue
		}
		c.limiter.Take()

		raw, err := c.fetch(ctx, source)
		if err != nil {
			logger.Warn("{catalog/catalog - fetchList} %s failed: %v", utils.LogURL(c.config, source), err)
			continue
		}
		if raw != "" {
			return raw, nil
		}
	}
	return "", ErrNoSource
}

func (c *Catalog) fetch(ctx context.Context, source string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ListTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// RenderText lays channels out as a "group,#genre#" list whose entries point
// at self. Groups keep their first-seen order and are separated by a blank
// line.
func RenderText(channels []types.Channel, self string) string {
	var order []string
	grouped := make(map[string][]types.Channel)
	for _, ch := range channels {
		if _, seen := grouped[ch.Group]; !seen {
			order = append(order, ch.Group)
		}
		grouped[ch.Group] = append(grouped[ch.Group], ch)
	}

	var b strings.Builder
	for _, group := range order {
		b.WriteString(group + ",#genre#\n")
		for _, ch := range grouped[group] {
			b.WriteString(ch.Name + "," + self + "?id=" + ch.ID + "\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
