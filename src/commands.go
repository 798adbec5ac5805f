package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stake-plus/govvote/src/api/auth"
	"github.com/stake-plus/govvote/src/api/webserver"
	"github.com/stake-plus/govvote/src/modules"
	"github.com/stake-plus/govvote/src/voting"
)

const shutdownTimeout = 10 * time.Second

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, true)
			if err != nil {
				return err
			}

			opts := webserver.Options{
				Addr:        a.cfg.ListenAddr,
				JWTSecret:   []byte(a.cfg.JWTSecret),
				TopLimit:    a.cfg.TopLimit,
				CORSOrigins: a.cfg.CORSOrigins,
				RateLimit:   a.cfg.RateLimit,
				RateWindow:  a.cfg.RateWindow,
			}
			if a.cfg.Metrics {
				opts.Gatherer = a.reg
			}

			mgr := modules.NewManager(
				modules.Closer("backend", a.backend.Close),
				webserver.New(a.svc, opts),
			)
			if err := mgr.Start(ctx); err != nil {
				return err
			}
			log.Printf("%s: serving with %s store, %s vote policy", programName, a.cfg.Backend, a.svc.Policy())

			<-ctx.Done()
			log.Printf("%s: shutting down", programName)
			shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return mgr.Stop(shutCtx)
		},
	}
}

func listCommand() *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print proposals, or the top N with --top",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.backend.Close()

			var list []voting.Proposal
			if top > 0 {
				list, err = a.svc.Top(cmd.Context(), top)
			} else {
				list, err = a.svc.Proposals(cmd.Context())
			}
			if err != nil {
				return err
			}
			return printProposals(cmd, list)
		},
	}
	cmd.Flags().IntVar(&top, "top", 0, "only the N most voted proposals")
	return cmd
}

func printProposals(cmd *cobra.Command, list []voting.Proposal) error {
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no proposals")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVOTES\tAUTHOR\tTEXT")
	for _, p := range list {
		author := p.AuthorDisplayName
		if author == "" {
			author = strconv.FormatInt(p.AuthorID, 10)
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", p.ID, p.VoteCount, author, p.Text)
	}
	return w.Flush()
}

func verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every vote count against the stored ballots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.backend.Close()

			if err := a.svc.Verify(cmd.Context()); err != nil {
				if errors.Is(err, voting.ErrInconsistent) {
					fmt.Fprintln(cmd.OutOrStdout(), err)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func resetCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all proposals, ballots and participation counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("reset deletes everything; pass --yes to confirm")
			}
			a, err := setup(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.backend.Close()

			if err := a.svc.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reset done")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func tokenCommand() *cobra.Command {
	var (
		uid  int64
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token for a chat user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The secret may live in the settings table, so the store is opened too.
			a, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.backend.Close()

			tok, err := auth.IssueToken([]byte(a.cfg.JWTSecret), voting.Member{ID: uid, DisplayName: name}, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Int64Var(&uid, "uid", 0, "chat user id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	_ = cmd.MarkFlagRequired("uid")
	return cmd
}
