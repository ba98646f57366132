package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/raine/roomedit/config"
	"github.com/raine/roomedit/internal/download"
	"github.com/raine/roomedit/internal/edit"
	"github.com/raine/roomedit/internal/flux"
	"github.com/raine/roomedit/internal/llm"
)

func main() {
	var image, instruction, output, provider string
	var attempts int
	var verbose bool

	flag.StringVar(&image, "image", "", "Input image URL or local file path")
	flag.StringVar(&instruction, "instruction", "", "Edit instruction")
	flag.StringVar(&output, "out", "edited.jpg", "Output file")
	flag.StringVar(&provider, "provider", config.ProviderFlux, "Edit provider (flux or gemini)")
	flag.IntVar(&attempts, "attempts", edit.DefaultPollMaxAttempts, "Maximum status polls")
	flag.BoolVar(&verbose, "v", false, "Log every poll attempt")
	flag.Parse()

	if image == "" || instruction == "" {
		fmt.Fprintf(os.Stderr, "Usage: edit-room -image <url_or_file> -instruction <text> [-out edited.jpg] [-provider flux|gemini]\n")
		os.Exit(1)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	config.LoadEnvFile()

	ctx := context.Background()

	imageRef, err := imageReference(image)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading image: %v\n", err)
		os.Exit(1)
	}

	var p edit.Provider
	switch provider {
	case config.ProviderFlux:
		apiKey := os.Getenv("BFL_API_KEY")
		if apiKey == "" {
			fmt.Fprintf(os.Stderr, "BFL_API_KEY not set\n")
			os.Exit(1)
		}
		p = flux.NewClient(flux.ClientOpts{
			BaseURL: os.Getenv("BFL_BASE_URL"),
			APIKey:  apiKey,
			Model:   os.Getenv("BFL_MODEL"),
		})
	case config.ProviderGemini:
		apiKey := os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			fmt.Fprintf(os.Stderr, "GEMINI_API_KEY not set\n")
			os.Exit(1)
		}
		editor, err := llm.NewGeminiImageEditor(ctx, apiKey, os.Getenv("GEMINI_IMAGE_MODEL"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating Gemini client: %v\n", err)
			os.Exit(1)
		}
		defer editor.Wait()
		p = editor
	default:
		fmt.Fprintf(os.Stderr, "Unknown provider %q\n", provider)
		os.Exit(1)
	}

	jobID, err := p.Submit(ctx, instruction, imageRef)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error submitting edit: %v\n", err)
		os.Exit(1)
	}
	log.Info().Str("jobId", jobID).Msg("edit job submitted")

	poller := edit.NewPoller(p, edit.PollConfig{Interval: edit.DefaultPollInterval, MaxAttempts: attempts})
	payload, err := poller.Poll(ctx, jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Edit failed: %v\n", err)
		os.Exit(1)
	}

	var data []byte
	if strings.HasPrefix(payload, "http://") || strings.HasPrefix(payload, "https://") {
		data, err = download.NewImageDownloader().Fetch(ctx, payload)
	} else {
		data, err = edit.Decode(payload)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading result: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(output, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", output, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%d bytes)\n", output, len(data))
}

// imageReference returns URLs unchanged and turns local files into data URLs.
func imageReference(image string) (string, error) {
	if strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") || strings.HasPrefix(image, "data:") {
		return image, nil
	}
	data, err := os.ReadFile(image)
	if err != nil {
		return "", err
	}
	mime := http.DetectContentType(data)
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
