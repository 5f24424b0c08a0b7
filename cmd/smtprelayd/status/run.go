/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"context"
	"io"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jpillora/backoff"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/smtprelay/internal/ipc"
	"stash.kopano.io/kgol/smtprelay/server"
)

const (
	fetchAttempts = 3
	fetchInterval = time.Second
)

// Run fetches the status of the running service and prints it.
func Run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	status, err := fetchWithUI(ctx, retrying(ipc.GetStatus, fetchAttempts, fetchInterval), isatty.IsTerminal(os.Stdout.Fd()))
	if err != nil || status == nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	return output(cmd.OutOrStdout(), status, asJSON)
}

// retrying wraps get so it is tried up to attempts times, as the service
// might just be starting and not have published its status yet.
func retrying(get func() (*server.Status, error), attempts int, interval time.Duration) statusFetcher {
	return func(ctx context.Context) (*server.Status, error) {
		bo := &backoff.Backoff{
			Min:    interval,
			Max:    4 * interval,
			Factor: 2,
		}
		for {
			status, err := get()
			if err == nil {
				return status, nil
			}
			if int(bo.Attempt())+1 >= attempts {
				return nil, err
			}
			log.Println(err.Error())

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(bo.Duration()):
			}
		}
	}
}

// fetchWithUI shows a spinner while fetching on terminals. Without terminal
// the model runs headless.
func fetchWithUI(ctx context.Context, fetcher statusFetcher, terminal bool) (*server.Status, error) {
	var opts []tea.ProgramOption
	if terminal {
		// Log output would break the user interface.
		log.SetOutput(io.Discard)
	} else {
		opts = []tea.ProgramOption{tea.WithoutRenderer(), tea.WithInput(nil)}
	}

	m := newWaitModel(ctx, fetcher)
	if err := tea.NewProgram(m, opts...).Start(); err != nil {
		return nil, err
	}
	if m.failure != nil {
		log.Println(m.failure.Error())
		return nil, m.failure
	}

	return m.result, nil
}

func output(w io.Writer, status *server.Status, asJSON bool) error {
	if asJSON {
		return outputJSON(w, status)
	}
	return outputPretty(w, status)
}
