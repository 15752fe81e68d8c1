package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/lanternml/lantern/internal/model"
	"github.com/lanternml/lantern/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var showTensors bool

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print checkpoint configuration and tensor inventory",
		Flags: append(commonFlags(),
			&cli.BoolFlag{
				Name:        "tensors",
				Usage:       "list every tensor with dtype and shape",
				Destination: &showTensors,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, loadConfig())
			if modelDir == "" {
				return fmt.Errorf("--model is required")
			}

			raw, err := os.ReadFile(filepath.Join(modelDir, "config.json"))
			if err != nil {
				return err
			}
			cfg, err := model.ParseConfig(raw)
			if err != nil {
				return err
			}

			fmt.Printf("model type:      %s\n", cfg.ModelType)
			fmt.Printf("attention:       %s\n", cfg.Text.AttnType)
			fmt.Printf("hidden size:     %d\n", cfg.Text.HiddenSize)
			fmt.Printf("layers:          %d\n", cfg.Text.NumHiddenLayers)
			fmt.Printf("heads:           %d\n", cfg.Text.NumAttentionHeads)
			fmt.Printf("vocab size:      %d\n", cfg.Text.VocabSize)
			if cfg.Text.AttnType == model.AttnLatent {
				fmt.Printf("kv lora rank:    %d\n", cfg.Text.KVLoraRank)
				fmt.Printf("rope head dim:   %d\n", cfg.Text.QKRopeHeadDim)
			}
			if cfg.Text.NRoutedExperts > 0 {
				fmt.Printf("routed experts:  %d (top %d, %s/%s)\n",
					cfg.Text.NRoutedExperts, cfg.Text.NumExpertsPerTok,
					cfg.Text.ScoringFunc, cfg.Text.TopkMethod)
				fmt.Printf("shared experts:  %d\n", cfg.Text.NSharedExperts)
			}
			if rs := cfg.Text.RopeScaling; rs != nil {
				fmt.Printf("rope scaling:    %s x%.1f\n", rs.Type, rs.Factor)
			}

			store, err := safetensors.Open(modelDir)
			if err != nil {
				return err
			}
			defer store.Close()

			names := store.Names()
			fmt.Printf("tensors:         %d\n", len(names))
			if showTensors {
				for _, name := range names {
					info, _ := store.Describe(name)
					fmt.Printf("  %-72s %-5s %v\n", name, info.DType, info.Shape)
				}
			}
			return nil
		},
	}
}
