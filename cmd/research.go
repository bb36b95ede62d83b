package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/agent/core"
)

func researchCMD() *cobra.Command {
	var cfgPath string
	var tier string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "research [question]",
		Short: "Run one research question to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			cfg := config.LoadConfig(cfgPath)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stream := core.NewStream(cfg.Research.EventBuffer)
			engine, err := core.NewEngine(ctx, cfg, stream)
			if err != nil {
				return err
			}
			defer engine.Close()

			done := make(chan struct{})
			go func() {
				defer close(done)
				for ev := range stream.Events() {
					if !verbose && ev.Type == core.EventBranchUnit {
						continue
					}
					fmt.Fprintf(os.Stderr, "[%s] iter=%d tool=%s %s\n", ev.Type, ev.Iteration, ev.Tool, ev.Message)
				}
			}()

			result, err := engine.Research(ctx, core.ResearchRequest{
				Question:     question,
				ResearchType: tier,
			})
			stream.Close()
			<-done
			if err != nil {
				return err
			}

			if result.Clarification != "" {
				fmt.Printf("Clarification needed: %s\n", result.Clarification)
				return nil
			}

			fmt.Println(result.Answer)
			if len(result.Citations) > 0 {
				fmt.Println("\nSources:")
				for i, c := range result.Citations {
					fmt.Printf("[%d] %s (%s)\n", i+1, c.Title, c.Source)
				}
			}
			fmt.Fprintf(os.Stderr, "\niterations=%d budget=%.1f cost=$%.4f tokens=%d in %s\n",
				result.Iterations, result.UsedTimeBudget, result.CostEstimate, result.TokensUsed, result.ProcessingTime)
			return nil
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to config file")
	cmd.Flags().StringVar(&tier, "tier", "shallow", "research depth: fast, shallow or deep")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print per-branch progress events")
	return cmd
}
