/*
Package ownership implements the external ownership-source contract: given
a wallet's account ID, fetch the NFTs it currently holds and their rates.

The engine treats two upstream answers very differently:
  - success=false (or transport error): the LOOKUP failed; the caller
    must preserve existing data.
  - success=true with an empty asset list: the wallet is GENUINELY empty.
The client surfaces the first as an error and the second as (nil, nil),
matching how the reconciler distinguishes them.

A small LRU cache with a short TTL absorbs bursts (the reconciler and a
user-triggered refresh hitting the same wallet) without hiding real
ownership changes for long.
*/
package ownership

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mektycoon/gold-engine/ledger"
)

// Client fetches owned assets over HTTP from the ownership service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Logger  *zap.Logger

	// CacheTTL bounds how stale a cached ownership answer may be.
	CacheTTL time.Duration

	cache *lru.Cache
}

type cacheEntry struct {
	assets    []ledger.OwnedAsset
	fetchedAt time.Time
}

func NewClient(baseURL string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New(1024)
	if err != nil {
		return nil, err
	}
	return &Client{
		BaseURL:  baseURL,
		HTTP:     &http.Client{Timeout: 15 * time.Second},
		Logger:   logger,
		CacheTTL: time.Minute,
		cache:    cache,
	}, nil
}

// wire format of the ownership service
type assetsResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Assets  []assetJSON `json:"assets"`
}

type assetJSON struct {
	AssetID    string          `json:"asset_id"`
	Name       string          `json:"name"`
	BaseRate   decimal.Decimal `json:"base_rate"`
	Level      int             `json:"level"`
	LevelBoost decimal.Decimal `json:"level_boost"`
	RarityRank int             `json:"rarity_rank"`
}

// FetchOwnedAssets implements reconcile.Source.
func (c *Client) FetchOwnedAssets(ctx context.Context, id ledger.AccountID) ([]ledger.OwnedAsset, error) {
	if v, ok := c.cache.Get(id); ok {
		entry := v.(cacheEntry)
		if time.Since(entry.fetchedAt) < c.CacheTTL {
			return entry.assets, nil
		}
		c.cache.Remove(id)
	}

	url := fmt.Sprintf("%s/wallets/%s/assets", c.BaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ownership fetch for %s: %w", id.Short(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ownership fetch for %s: status %d", id.Short(), resp.StatusCode)
	}

	var body assetsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("ownership fetch for %s: decode: %w", id.Short(), err)
	}
	if !body.Success {
		return nil, fmt.Errorf("ownership fetch for %s: upstream: %s", id.Short(), body.Error)
	}

	assets := make([]ledger.OwnedAsset, 0, len(body.Assets))
	for _, a := range body.Assets {
		assets = append(assets, ledger.OwnedAsset{
			AssetID:           a.AssetID,
			Name:              a.Name,
			BaseRatePerHour:   a.BaseRate,
			Level:             a.Level,
			LevelBoostPerHour: a.LevelBoost,
			RarityRank:        a.RarityRank,
		})
	}

	c.cache.Add(id, cacheEntry{assets: assets, fetchedAt: time.Now()})
	return assets, nil
}
