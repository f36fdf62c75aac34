package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/docspace/internal/app"
	"github.com/fruitsalade/docspace/internal/database"
	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/storage/local"
	"github.com/fruitsalade/docspace/internal/storage/thirdparty"
)

var mountsCmd = &cobra.Command{
	Use:   "mounts",
	Short: "Manage third-party storage mounts",
	Long:  "Manage third-party storage mounts. Changes take effect when the server next starts.",
}

var mountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered mounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMounts(cmd.Context(), func(_ *sql.DB, mounts *thirdparty.MountStore) error {
			rows, err := mounts.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tTITLE\tOWNER\tROOT\tFOLDER\tBACKEND")
			for _, m := range rows {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
					m.ID, m.ProviderKey, m.Title, m.OwnerID, m.RootFolderType, m.FolderID, m.BackendType)
			}
			return w.Flush()
		})
	},
}

var addFlags struct {
	provider      string
	title         string
	owner         string
	backend       string
	backendConfig string
	common        bool
}

var mountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a mount under the owner's My folder or the Common folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(addFlags.backendConfig)) {
			return fmt.Errorf("--backend-config is not valid JSON")
		}
		if _, ok := app.ProviderFactories[addFlags.backend]; !ok {
			return fmt.Errorf("unknown backend %q", addFlags.backend)
		}
		return withMounts(cmd.Context(), func(db *sql.DB, mounts *thirdparty.MountStore) error {
			ctx := cmd.Context()
			// Resolving roots never touches file content.
			roots := local.New(db, nil, local.Config{})
			kind, rootType := entry.FolderUser, entry.RootUser
			if addFlags.common {
				kind, rootType = entry.FolderCommon, entry.RootCommon
			}
			folderID, err := roots.EnsureRoot(ctx, kind, addFlags.owner)
			if err != nil {
				return err
			}
			m, err := mounts.Create(ctx, &thirdparty.Mount{
				ProviderKey:    addFlags.provider,
				Title:          addFlags.title,
				OwnerID:        addFlags.owner,
				RootFolderType: rootType,
				FolderID:       folderID,
				BackendType:    addFlags.backend,
				Config:         json.RawMessage(addFlags.backendConfig),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mount %d registered, root id %s\n", m.ID, m.RootID())
			return nil
		})
	},
}

var mountsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Disconnect a mount. Provider content is untouched.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid mount id %q", args[0])
		}
		return withMounts(cmd.Context(), func(_ *sql.DB, mounts *thirdparty.MountStore) error {
			if err := mounts.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mount %d removed\n", id)
			return nil
		})
	},
}

func init() {
	f := mountsAddCmd.Flags()
	f.StringVar(&addFlags.provider, "provider", "", "provider key, e.g. WebDav or Yandex")
	f.StringVar(&addFlags.title, "title", "", "title the mount root is listed with")
	f.StringVar(&addFlags.owner, "owner", "", "owning actor id")
	f.StringVar(&addFlags.backend, "backend", "fs", "backend type (memory, fs, s3)")
	f.StringVar(&addFlags.backendConfig, "backend-config", "{}", "backend config as JSON")
	f.BoolVar(&addFlags.common, "common", false, "list the mount under the Common folder")
	for _, name := range []string{"provider", "title", "owner"} {
		_ = mountsAddCmd.MarkFlagRequired(name)
	}

	mountsCmd.AddCommand(mountsListCmd, mountsAddCmd, mountsRemoveCmd)
}

func withMounts(ctx context.Context, fn func(*sql.DB, *thirdparty.MountStore) error) error {
	cfg, err := boot()
	if err != nil {
		return err
	}
	defer logging.Sync()

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db, cfg.DatabaseDriver); err != nil {
		return err
	}
	return fn(db, thirdparty.NewMountStore(db))
}
