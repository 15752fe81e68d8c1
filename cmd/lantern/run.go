package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/lanternml/lantern/internal/inference"
	"github.com/lanternml/lantern/internal/model"
	"github.com/lanternml/lantern/internal/tensor"
)

func runCmd() *cli.Command {
	var (
		prompt        string
		featuresFile  string
		maxTokens     int64
		temp          float64
		topK          int64
		topP          float64
		repeatPenalty float64
		seed          int64
		stop          string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate a completion for a token-id prompt",
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt token ids, comma or space separated",
				Destination: &prompt,
			},
			&cli.StringFlag{
				Name:        "features",
				Usage:       "JSON file with image_features and validity for multimodal prompts",
				Destination: &featuresFile,
			},
			&cli.Int64Flag{
				Name:        "max-tokens",
				Aliases:     []string{"n"},
				Usage:       "number of tokens to generate",
				Value:       256,
				Destination: &maxTokens,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Aliases:     []string{"temperature", "t"},
				Usage:       "sampling temperature (0 = greedy)",
				Value:       0,
				Destination: &temp,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Usage:       "top-k sampling parameter",
				Value:       40,
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Usage:       "top-p sampling parameter",
				Value:       0.95,
				Destination: &topP,
			},
			&cli.Float64Flag{
				Name:        "repeat-penalty",
				Usage:       "repetition penalty (1.0 = disabled)",
				Value:       1.0,
				Destination: &repeatPenalty,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling RNG seed",
				Destination: &seed,
			},
			&cli.StringFlag{
				Name:        "stop",
				Usage:       "stop token ids, comma separated",
				Destination: &stop,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, loadConfig())
			log := newLogger()

			if modelDir == "" {
				return fmt.Errorf("--model is required")
			}
			ids, err := parseTokenList(prompt)
			if err != nil {
				return fmt.Errorf("parse prompt: %w", err)
			}
			if len(ids) == 0 {
				return fmt.Errorf("--prompt is required")
			}
			stopIDs, err := parseTokenList(stop)
			if err != nil {
				return fmt.Errorf("parse stop list: %w", err)
			}

			log.Info("loading model", "dir", modelDir)
			m, err := model.Load(modelDir)
			if err != nil {
				return err
			}

			req := &inference.Request{
				Prompt:        ids,
				MaxTokens:     int(maxTokens),
				Seed:          seed,
				Temperature:   temp,
				TopK:          int(topK),
				TopP:          topP,
				RepeatPenalty: repeatPenalty,
				StopTokens:    stopIDs,
			}
			if featuresFile != "" {
				req.ImageFeatures, req.Validity, err = loadFeatures(featuresFile)
				if err != nil {
					return err
				}
			}

			engine := inference.NewEngine(m, log)
			first := true
			result, err := engine.Generate(ctx, req, func(tok int) {
				if !first {
					fmt.Print(" ")
				}
				first = false
				fmt.Print(tok)
			})
			if err != nil {
				return err
			}
			fmt.Println()
			log.Info("done",
				"prompt_tokens", result.Stats.PromptTokens,
				"generated", result.Stats.TokensGenerated,
				"tps", fmt.Sprintf("%.1f", result.Stats.TPS))
			return nil
		},
	}
}

func parseTokenList(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q", f)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func loadFeatures(path string) (*tensor.Mat, []float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read features: %w", err)
	}
	var payload struct {
		ImageFeatures [][]float32 `json:"image_features"`
		Validity      []float32   `json:"validity"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil, fmt.Errorf("parse features: %w", err)
	}
	if len(payload.ImageFeatures) == 0 {
		return nil, payload.Validity, nil
	}
	width := len(payload.ImageFeatures[0])
	m := tensor.NewMat(len(payload.ImageFeatures), width)
	for i, row := range payload.ImageFeatures {
		if len(row) != width {
			return nil, nil, fmt.Errorf("image_features row %d has width %d, want %d", i, len(row), width)
		}
		copy(m.Row(i), row)
	}
	return m, payload.Validity, nil
}
