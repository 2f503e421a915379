// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/autobrr/torbox-manager/internal/models"
	"github.com/autobrr/torbox-manager/internal/services/bulk"
	"github.com/autobrr/torbox-manager/internal/sse"
	"github.com/autobrr/torbox-manager/internal/transfer"
)

// parseFileSelector reads "itemId:fileId,fileId" into a file pick.
func parseFileSelector(raw string) (transfer.FileSelection, error) {
	itemPart, filesPart, ok := strings.Cut(raw, ":")
	if !ok {
		return transfer.FileSelection{}, errors.Errorf("file selector %q: expected itemId:fileId[,fileId]", raw)
	}

	itemID, err := strconv.ParseInt(strings.TrimSpace(itemPart), 10, 64)
	if err != nil {
		return transfer.FileSelection{}, errors.Wrapf(err, "file selector %q: item id", raw)
	}

	sel := transfer.FileSelection{ItemID: itemID}
	for _, part := range strings.Split(filesPart, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fileID, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return transfer.FileSelection{}, errors.Wrapf(err, "file selector %q: file id", raw)
		}
		sel.FileIDs = append(sel.FileIDs, fileID)
	}
	if len(sel.FileIDs) == 0 {
		return transfer.FileSelection{}, errors.Errorf("file selector %q: no file ids", raw)
	}

	return sel, nil
}

func buildSelection(items []int64, files []string) (*transfer.Selection, error) {
	sel := &transfer.Selection{Items: items}
	for _, raw := range files {
		pick, err := parseFileSelector(raw)
		if err != nil {
			return nil, err
		}
		sel.Files = append(sel.Files, pick)
	}
	return sel, nil
}

// progressPrinter renders stream events as one line each.
func progressPrinter(out io.Writer) bulk.EventHandler {
	return func(ev sse.Event, state *bulk.FollowState) {
		switch ev.Type {
		case sse.TypeProgress:
			p := state.Progress
			if p.Message != "" {
				fmt.Fprintf(out, "[%d/%d] %s\n", p.Current, p.Total, p.Message)
			}
		case sse.TypeFileSuccess:
			last := state.Uploaded[len(state.Uploaded)-1]
			fmt.Fprintf(out, "[%d/%d] uploaded %s -> %s\n", state.Progress.Current+1, state.Progress.Total, last.Name, last.Link)
		case sse.TypeFileError:
			last := state.Failed[len(state.Failed)-1]
			fmt.Fprintf(out, "[%d/%d] failed %s: %s\n", state.Progress.Current+1, state.Progress.Total, last.Name, last.Error)
		}
	}
}

func RunMirrorCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		server    string
		apiKey    string
		assetType string
		username  string
		password  string
		items     []int64
		files     []string
		noHistory bool
	)

	command := &cobra.Command{
		Use:   "mirror",
		Short: "Mirror TorBox items to Multiup through a running server",
		Long: `Start a streaming mirror upload on a running torbox-manager server and
follow its progress. Every uploaded file is appended to the local history.

Select whole items with --item and single files with --file itemId:fileId,fileId.
Credentials that are not passed fall back to the ones stored on the server.`,
		Example: `  torbox-manager mirror --item 12 --file 40:3,4
  torbox-manager mirror --server http://nas:7480 --type usenet --item 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := buildSelection(items, files)
			if err != nil {
				return err
			}
			if sel.Empty() {
				return errors.New("select at least one --item or --file")
			}

			kind, err := transfer.ParseAssetKind(assetType)
			if err != nil {
				return err
			}

			var history bulk.HistoryRecorder
			if !noHistory {
				cfg, db, err := openDatabase(configDir, dataDir)
				if err != nil {
					return err
				}
				defer db.Close()
				history = models.NewHistoryStore(db, cfg.Config.HistoryLimit)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			body, err := bulk.OpenStream(ctx, nil, server, bulk.MirrorRequest{
				APIKey:        apiKey,
				AssetType:     kind,
				SelectedItems: sel,
				Credentials:   bulk.MultiupCredentials{Username: username, Password: password},
			})
			if err != nil {
				return err
			}
			defer body.Close()

			state, err := bulk.Follow(ctx, body, history, progressPrinter(cmd.OutOrStdout()))
			if err != nil {
				if errors.Is(err, context.Canceled) {
					cmd.PrintErrln("interrupted, the server stops at the next task boundary")
				}
				return err
			}

			cmd.Printf("Done: %d uploaded, %d failed of %d\n", len(state.Complete.UploadedLinks), len(state.Complete.FailedFiles), state.Complete.Total)
			for _, f := range state.Complete.FailedFiles {
				cmd.Printf("  failed: %s (%s)\n", f.Name, f.Error)
			}
			if state.HistoryErrors > 0 {
				cmd.PrintErrf("%d uploads could not be written to history\n", state.HistoryErrors)
			}
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().StringVar(&server, "server", "http://127.0.0.1:7480", "base URL of the torbox-manager server")
	command.Flags().StringVar(&apiKey, "api-key", "", "TorBox API key (defaults to the key stored on the server)")
	command.Flags().StringVar(&assetType, "type", "torrents", "asset type: torrents, usenet or webdl")
	command.Flags().StringVar(&username, "multiup-username", "", "Multiup username")
	command.Flags().StringVar(&password, "multiup-password", "", "Multiup password")
	command.Flags().Int64SliceVar(&items, "item", nil, "whole item id to mirror (repeatable)")
	command.Flags().StringArrayVar(&files, "file", nil, "file pick as itemId:fileId[,fileId] (repeatable)")
	command.Flags().BoolVar(&noHistory, "no-history", false, "do not record uploads in the local history")

	return command
}
