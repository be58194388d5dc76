package narrative

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// redditPost is the subset of a Reddit listing child used for counting.
type redditPost struct {
	Title      string
	Author     string
	Score      int
	CreatedUTC float64
}

// fetchRedditPosts authenticates with client credentials and pulls the latest
// posts for each profiled search keyword.
func (c *Collector) fetchRedditPosts(ctx context.Context) ([]redditPost, error) {
	cfg := c.profile.Narrative.Reddit

	if c.creds.RedditClientID == "" || c.creds.RedditClientSecret == "" {
		return nil, fmt.Errorf("REDDIT_CLIENT_ID not set")
	}

	token, err := c.redditToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}

	seen := map[string]bool{}
	var posts []redditPost
	for _, keyword := range cfg.SearchKeywords {
		q := url.Values{}
		q.Set("q", keyword)
		q.Set("limit", fmt.Sprintf("%d", cfg.PostsPerSearch))
		q.Set("t", cfg.TimeFilter)
		q.Set("sort", cfg.Sort)
		q.Set("raw_json", "1")

		var listing struct {
			Data struct {
				Children []struct {
					Data struct {
						ID         string  `json:"id"`
						Title      string  `json:"title"`
						Author     string  `json:"author"`
						Score      int     `json:"score"`
						CreatedUTC float64 `json:"created_utc"`
					} `json:"data"`
				} `json:"children"`
			} `json:"data"`
		}
		u := cfg.BaseURL + "/search?" + q.Encode()
		err := c.client.GetJSON(ctx, u, &listing,
			"Authorization", "Bearer "+token,
			"User-Agent", cfg.UserAgent)
		if err != nil {
			return posts, err
		}

		for _, child := range listing.Data.Children {
			if seen[child.Data.ID] {
				continue
			}
			seen[child.Data.ID] = true
			posts = append(posts, redditPost{
				Title:      child.Data.Title,
				Author:     child.Data.Author,
				Score:      child.Data.Score,
				CreatedUTC: child.Data.CreatedUTC,
			})
		}
	}
	return posts, nil
}

func (c *Collector) redditToken(ctx context.Context) (string, error) {
	cfg := c.profile.Narrative.Reddit

	basic := base64.StdEncoding.EncodeToString(
		[]byte(c.creds.RedditClientID + ":" + c.creds.RedditClientSecret))

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	form := url.Values{"grant_type": {"client_credentials"}}
	err := c.client.PostForm(ctx, cfg.TokenURL, form, &tok,
		"Authorization", "Basic "+basic,
		"User-Agent", cfg.UserAgent)
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("empty access token")
	}
	return tok.AccessToken, nil
}

// countRedditMentions attributes posts to assets with authority weighting and
// tracks influencer activity. Author lookups are bounded per cycle; authors
// beyond the budget count with weight 1.
func (c *Collector) countRedditMentions(ctx context.Context, data *Data, posts []redditPost, headlines map[string][]string) {
	cfg := c.profile.Narrative.Reddit

	influencerHandles := map[string]bool{}
	for _, inf := range c.profile.Narrative.Influencers {
		if inf.Platform == "reddit" {
			influencerHandles[strings.ToLower(inf.Handle)] = true
		}
	}

	authorWeights := map[string]float64{}
	lookups := 0
	activeInfluencers := map[string]map[string]bool{}

	for _, post := range posts {
		if post.Score < cfg.MinScore || c.isSpam(post.Title) {
			continue
		}
		matched := c.matchAssets(post.Title)
		if len(matched) == 0 {
			continue
		}

		weight := 1.0
		if cfg.AuthorityEnabled && post.Author != "" {
			w, ok := authorWeights[post.Author]
			if !ok && lookups < cfg.MaxAuthorLookups {
				w = c.authorWeight(ctx, post.Author)
				authorWeights[post.Author] = w
				lookups++
				ok = true
			}
			if ok {
				weight = w
			}
		}
		if weight == 0 {
			continue
		}

		// Engagement scales with post score, capped so one viral thread
		// cannot dominate.
		engagement := 1 + float64(post.Score)/100
		if engagement > cfg.EngagementCap {
			engagement = cfg.EngagementCap
		}

		for _, sym := range matched {
			asset := data.ByAsset[sym]
			asset.RedditMentions++
			asset.RedditWeightedMentions = round4(asset.RedditWeightedMentions + weight*engagement)
			headlines[sym] = append(headlines[sym], post.Title)

			if influencerHandles[strings.ToLower(post.Author)] {
				asset.InfluencerMentions++
				if activeInfluencers[sym] == nil {
					activeInfluencers[sym] = map[string]bool{}
				}
				activeInfluencers[sym][post.Author] = true
			}
		}
	}

	for sym, set := range activeInfluencers {
		data.ByAsset[sym].TopInfluencersActive = sortedInfluencers(set)
	}
}

// authorWeight derives an authority multiplier from the author's account.
// Accounts younger than the minimum age weigh zero.
func (c *Collector) authorWeight(ctx context.Context, author string) float64 {
	cfg := c.profile.Narrative.Reddit

	var about struct {
		Data struct {
			CreatedUTC  float64 `json:"created_utc"`
			TotalKarma  int     `json:"total_karma"`
			IsMod       bool    `json:"is_mod"`
			Verified    bool    `json:"verified"`
			HasVerified bool    `json:"has_verified_email"`
		} `json:"data"`
	}
	u := cfg.BaseURL + "/user/" + url.PathEscape(author) + "/about?raw_json=1"
	if err := c.client.GetJSON(ctx, u, &about, "User-Agent", cfg.UserAgent); err != nil {
		return 1.0
	}

	ageDays := c.now().Sub(time.Unix(int64(about.Data.CreatedUTC), 0)).Hours() / 24
	if ageDays < float64(cfg.MinAccountAgeDays) {
		return 0
	}

	weight := 1.0
	for _, tier := range cfg.KarmaTiers {
		if about.Data.TotalKarma >= tier.MinKarma {
			weight = tier.Weight
			break
		}
	}
	if about.Data.IsMod {
		weight *= cfg.ModBonus
	}
	if about.Data.Verified || about.Data.HasVerified {
		weight *= cfg.VerifiedBonus
	}
	return weight
}

// fetchCryptoPanic counts posts per asset and folds community votes into a
// sentiment score.
func (c *Collector) fetchCryptoPanic(ctx context.Context, data *Data, headlines map[string][]string) error {
	cfg := c.profile.Narrative.CryptoPanic

	if c.creds.CryptoPanicKey == "" {
		return fmt.Errorf("CRYPTOPANIC_API_KEY not set")
	}

	for _, sym := range c.profile.Assets {
		currency := sym
		if mapped, ok := cfg.CurrencyMap[sym]; ok && mapped != "" {
			currency = mapped
		}

		q := url.Values{}
		q.Set("auth_token", c.creds.CryptoPanicKey)
		q.Set("currencies", currency)
		q.Set("filter", cfg.Filter)
		q.Set("public", "true")

		var payload struct {
			Results []struct {
				Title string `json:"title"`
				Votes struct {
					Positive  int `json:"positive"`
					Negative  int `json:"negative"`
					Important int `json:"important"`
				} `json:"votes"`
			} `json:"results"`
		}
		if err := c.client.GetJSON(ctx, cfg.BaseURL+"?"+q.Encode(), &payload); err != nil {
			return err
		}

		asset := data.ByAsset[sym]
		votes := &CommunitySentiment{}
		for _, post := range payload.Results {
			if c.isSpam(post.Title) {
				continue
			}
			asset.CryptoPanicMentions++
			headlines[sym] = append(headlines[sym], post.Title)
			votes.Bullish += post.Votes.Positive
			votes.Bearish += post.Votes.Negative
			votes.Important += post.Votes.Important
		}

		if total := votes.Bullish + votes.Bearish; total > 0 {
			score := round4(float64(votes.Bullish-votes.Bearish) / float64(total))
			votes.Score = &score
		}
		if asset.CryptoPanicMentions > 0 {
			asset.CommunitySentiment = votes
		}
	}
	return nil
}

type rssFeed struct {
	Channel struct {
		Items []struct {
			Title string `xml:"title"`
		} `xml:"item"`
	} `xml:"channel"`
}

// fetchGoogleNews counts news items per asset from the Google News RSS search
// feed. Per-asset failures degrade to error entries instead of aborting.
func (c *Collector) fetchGoogleNews(ctx context.Context, data *Data, headlines map[string][]string, errors *[]string) {
	cfg := c.profile.Narrative.RSS

	for _, sym := range c.profile.Assets {
		term := strings.ToLower(sym)
		if name, ok := cfg.AssetSearchNames[sym]; ok && name != "" {
			term = name
		}

		u := cfg.BaseURL + "?q=" + url.QueryEscape(term+" crypto")
		body, err := c.client.GetBody(ctx, u)
		if err != nil {
			*errors = append(*errors, fmt.Sprintf("rss %s: %v", sym, err))
			continue
		}

		var feed rssFeed
		if err := xml.Unmarshal(body, &feed); err != nil {
			*errors = append(*errors, fmt.Sprintf("rss %s: %v", sym, err))
			continue
		}

		asset := data.ByAsset[sym]
		count := 0
		for _, item := range feed.Channel.Items {
			if count >= cfg.MaxItemsPerAsset {
				break
			}
			if c.isSpam(item.Title) {
				continue
			}
			asset.GoogleNewsMentions++
			headlines[sym] = append(headlines[sym], item.Title)
			count++
		}
	}
}

// fetchTrending marks assets present in CoinGecko's trending search list.
func (c *Collector) fetchTrending(ctx context.Context, data *Data) error {
	cfg := c.profile.Narrative.Trending

	var payload struct {
		Coins []struct {
			Item struct {
				Symbol string `json:"symbol"`
			} `json:"item"`
		} `json:"coins"`
	}
	if err := c.client.GetJSON(ctx, cfg.BaseURL, &payload); err != nil {
		return err
	}

	for _, entry := range payload.Coins {
		sym := strings.ToUpper(entry.Item.Symbol)
		if asset, ok := data.ByAsset[sym]; ok {
			asset.TrendingCoinGecko = true
		}
	}
	return nil
}
