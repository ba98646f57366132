package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/raine/roomedit/config"
	"github.com/raine/roomedit/internal/apify"
	"github.com/raine/roomedit/internal/listing"
	"github.com/raine/roomedit/internal/storage"
)

func main() {
	var listingURL string
	var raw, anyHost, useCache bool
	var timeout time.Duration

	flag.StringVar(&listingURL, "url", "", "Listing URL to scrape")
	flag.BoolVar(&raw, "raw", false, "Print the raw provider record instead of the normalized listing")
	flag.BoolVar(&anyHost, "any-host", false, "Accept listing URLs from any host")
	flag.BoolVar(&useCache, "cache", false, "Read and populate the scrape cache in ROOMEDIT_DB_PATH")
	flag.DurationVar(&timeout, "timeout", 6*time.Minute, "Overall timeout")
	flag.Parse()

	// Accept URL as positional argument
	if listingURL == "" && flag.NArg() > 0 {
		listingURL = flag.Arg(0)
	}

	if listingURL == "" {
		fmt.Fprintf(os.Stderr, "Usage: scrape-listing [-raw] [-cache] -url <listing_url>\n")
		fmt.Fprintf(os.Stderr, "       scrape-listing [-raw] [-cache] <listing_url>\n")
		os.Exit(1)
	}

	config.LoadEnvFile()

	token := os.Getenv("APIFY_TOKEN")
	if token == "" {
		fmt.Fprintf(os.Stderr, "APIFY_TOKEN not set\n")
		os.Exit(1)
	}

	var provider listing.Provider = apify.NewClient(apify.ClientOpts{
		BaseURL: os.Getenv("APIFY_BASE_URL"),
		Token:   token,
		ActorID: os.Getenv("APIFY_ACTOR_ID"),
	})

	if useCache {
		dbPath := os.Getenv("ROOMEDIT_DB_PATH")
		if dbPath == "" {
			dbPath = "roomedit.db"
		}
		store, err := storage.NewSQLiteStore(dbPath, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database at %s: %v\n", dbPath, err)
			os.Exit(1)
		}
		defer store.Close()
		provider = listing.NewCachedProvider(provider, store, listing.DefaultCacheTTL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var result any
	if raw {
		record, err := provider.Scrape(ctx, listingURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error scraping %s: %v\n", listingURL, err)
			os.Exit(1)
		}
		result = record
	} else {
		scraper := listing.NewScraper(provider, listing.HostPolicy{
			AllowedHosts: []string{listing.DefaultAllowedHost},
			Enforce:      !anyHost,
		})
		record, err := scraper.ScrapeListing(ctx, listingURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error scraping %s: %v\n", listingURL, err)
			os.Exit(1)
		}
		result = record
	}

	// Pretty print as JSON
	output, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
}
