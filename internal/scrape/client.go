// Package scrape fetches the Kaktus promo page and watches it for newly
// published announcements.
package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"kaktusbot/internal/post"
	logx "kaktusbot/pkg/logx"
)

// ErrNoAnnouncement means the fetched page no longer matches the expected
// structure. This is routine when the site changes, not a crash: the caller
// logs it and tries again on the next tick.
var ErrNoAnnouncement = errors.New("scrape: no announcement found in page")

const (
	DefaultURL       = "https://www.mujkaktus.cz/chces-pridat"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	maxBodyBytes     = 4 << 20
)

type ClientConfig struct {
	URL            string
	RequestTimeout time.Duration
	UserAgent      string
}

// Client fetches the raw promo page over HTTP.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg ClientConfig, log logx.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
		log:  log,
	}
}

// Fetch downloads the page. Transient failures are retried a few times
// within the cycle; the caller applies its own backoff between cycles.
func (c *Client) Fetch(ctx context.Context) ([]byte, error) {
	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("User-Agent", c.cfg.UserAgent)

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
			b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			if err != nil {
				return err
			}
			body = b
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("page fetch retry", logx.Any("attempt", n+1), logx.Err(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", c.cfg.URL, err)
	}
	return body, nil
}

// Matches the full announced range, e.g. "9.9.2025 15:00 - 18:00".
var dateRangePattern = regexp.MustCompile(`\d{1,2}\.\d{1,2}\.\d{4}\s+\d{1,2}:\d{2}\s*-\s*\d{1,2}:\d{2}`)

var promoKeywords = []string{"bonus", "navíc", "dobij", "kredit", "kč"}

// ExtractAnnouncement pulls the current promo announcement out of the page.
//
// Primary strategy: the site announces recharge events ("Dobíječka") by their
// date range; the first range found becomes the title and nearby promo lines
// the body. Fallback: promo keyword text without a date range. Anything else
// returns ErrNoAnnouncement.
func ExtractAnnouncement(raw []byte) (post.Post, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return post.Post{}, fmt.Errorf("parse html: %w", err)
	}

	pageText := doc.Text()

	if match := dateRangePattern.FindString(pageText); match != "" {
		title := "Dobíječka " + post.Normalize(match)
		body := promoLines(pageText)
		if body == "" {
			body = "Kaktus dobíjení akce"
		}
		return post.Post{Title: title, Body: body}, nil
	}

	// Fallback: promo content without a parseable date range.
	if text := promoLines(pageText); text != "" {
		return post.Post{Title: "Kaktus akce", Body: text}, nil
	}

	return post.Post{}, ErrNoAnnouncement
}

// promoLines collects up to three reasonable-length lines mentioning a promo
// keyword.
func promoLines(pageText string) string {
	var parts []string
	for _, line := range strings.Split(pageText, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 10 || len(line) > 200 {
			continue
		}
		lower := strings.ToLower(line)
		for _, kw := range promoKeywords {
			if strings.Contains(lower, kw) {
				parts = append(parts, post.Normalize(line))
				break
			}
		}
		if len(parts) == 3 {
			break
		}
	}
	return strings.Join(parts, " ")
}
