package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Issue, inspect, update, enable and disable the API keys accepted by the gateway. Keys are never deleted.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyShowCmd())
	cmd.AddCommand(newKeyUpdateCmd())
	cmd.AddCommand(newKeyStatusCmd("enable", true))
	cmd.AddCommand(newKeyStatusCmd("disable", false))

	return cmd
}

// withStore loads the settings, opens the store and runs fn against it.
func withStore(fn func(ctx context.Context, settings *config.YAMLConfig, store *config.Store) error) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), settings, store)
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		name       string
		permission string
		tier       string
		expires    string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		Long:  "Generate a new API key. The raw key is shown once and cannot be retrieved again.",
		Example: `  keygate key create --name "CI pipeline" --permission read
  keygate key create --name partner --permission read_write --tier premium --expires 90d`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := model.ParsePermissionLevel(permission)
			if err != nil {
				return err
			}
			t, err := model.ParseTier(tier)
			if err != nil {
				return err
			}
			req := service.IssueRequest{Name: name, Permission: level, Tier: t}
			if expires != "" {
				exp, err := parseExpiry(expires, time.Now())
				if err != nil {
					return err
				}
				req.ExpiresAt = &exp
			}
			return runKeyCreate(cmd.OutOrStdout(), req, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key (required)")
	cmd.Flags().StringVar(&permission, "permission", "read", "Permission level: read, write or read_write")
	cmd.Flags().StringVar(&tier, "tier", "basic", "Rate limit tier: basic, standard, premium or enterprise")
	cmd.Flags().StringVar(&expires, "expires", "", "Expiry as a duration (720h, 30d) or date (2026-12-31)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runKeyCreate(out io.Writer, req service.IssueRequest, jsonOutput bool) error {
	return withStore(func(ctx context.Context, settings *config.YAMLConfig, store *config.Store) error {
		authSvc := newAuthService(store, settings, quietLogger())
		raw, key, err := authSvc.IssueAPIKey(ctx, req)
		if err != nil {
			return fmt.Errorf("create api key: %w", err)
		}

		if jsonOutput {
			return printJSON(out, struct {
				*model.APIKey
				Key string `json:"api_key"`
			}{key, raw})
		}

		// Piped output gets the bare key so it can be captured by scripts.
		if f, ok := out.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
			fmt.Fprintln(out, raw)
			return nil
		}

		fmt.Fprintln(out, "API Key created:")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  Key:        %s\n", raw)
		fmt.Fprintf(out, "  ID:         %d\n", key.ID)
		fmt.Fprintf(out, "  Name:       %s\n", key.Name)
		fmt.Fprintf(out, "  Permission: %s\n", key.Permission)
		fmt.Fprintf(out, "  Tier:       %s\n", key.Tier)
		if key.ExpiresAt != nil {
			fmt.Fprintf(out, "  Expires:    %s\n", key.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
		return nil
	})
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		jsonOutput bool
		all        bool
		permission string
		tier       string
		search     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := model.APIKeyFilter{Search: search, Limit: limit}
			if !all {
				active := true
				filter.Active = &active
			}
			var err error
			if permission != "" {
				if filter.Permission, err = model.ParsePermissionLevel(permission); err != nil {
					return err
				}
			}
			if tier != "" {
				if filter.Tier, err = model.ParseTier(tier); err != nil {
					return err
				}
			}
			return runKeyList(cmd.OutOrStdout(), filter, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include disabled keys")
	cmd.Flags().StringVar(&permission, "permission", "", "Only keys with this permission level")
	cmd.Flags().StringVar(&tier, "tier", "", "Only keys in this tier")
	cmd.Flags().StringVar(&search, "search", "", "Only keys whose name contains this text")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of keys to show")

	return cmd
}

func runKeyList(out io.Writer, filter model.APIKeyFilter, jsonOutput bool) error {
	return withStore(func(ctx context.Context, _ *config.YAMLConfig, store *config.Store) error {
		keys, total, err := store.ListAPIKeys(ctx, filter)
		if err != nil {
			return fmt.Errorf("list api keys: %w", err)
		}

		if jsonOutput {
			return printJSON(out, keys)
		}

		if len(keys) == 0 {
			fmt.Fprintln(out, "No API keys found. Use 'keygate key create' to issue one.")
			return nil
		}

		const row = "%-6s %-14s %-24s %-11s %-10s %-7s %-20s\n"
		fmt.Fprintf(out, row, "ID", "PREFIX", "NAME", "PERMISSION", "TIER", "ACTIVE", "LAST USED")
		fmt.Fprintf(out, row, "--", "------", "----", "----------", "----", "------", "---------")
		for _, k := range keys {
			active := "yes"
			if !k.IsActive {
				active = "no"
			}
			if k.Expired(time.Now()) {
				active = "expired"
			}
			lastUsed := "never"
			if k.LastUsed != nil {
				lastUsed = k.LastUsed.Local().Format(time.DateTime)
			}
			fmt.Fprintf(out, row, fmt.Sprint(k.ID), k.MaskedKey(), k.Name,
				k.Permission.String(), k.Tier.String(), active, lastUsed)
		}
		if total > int64(len(keys)) {
			fmt.Fprintf(out, "\n%d of %d keys shown.\n", len(keys), total)
		}
		return nil
	})
}

// ---------- key show ----------

func newKeyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			return withStore(func(ctx context.Context, _ *config.YAMLConfig, store *config.Store) error {
				key, err := store.GetAPIKey(ctx, id)
				if err != nil {
					return keyLookupError(id, err)
				}
				return printJSON(cmd.OutOrStdout(), key)
			})
		},
	}
}

// ---------- key update ----------

func newKeyUpdateCmd() *cobra.Command {
	var (
		name        string
		permission  string
		tier        string
		expires     string
		clearExpiry bool
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a key's name, permission, tier or expiry",
		Example: `  keygate key update 3 --permission read_write
  keygate key update 3 --tier enterprise --clear-expiry`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}

			var upd model.APIKeyUpdate
			flags := cmd.Flags()
			if flags.Changed("name") {
				upd.Name = &name
			}
			if flags.Changed("permission") {
				level, err := model.ParsePermissionLevel(permission)
				if err != nil {
					return err
				}
				upd.Permission = &level
			}
			if flags.Changed("tier") {
				t, err := model.ParseTier(tier)
				if err != nil {
					return err
				}
				upd.Tier = &t
			}
			if flags.Changed("expires") {
				exp, err := parseExpiry(expires, time.Now())
				if err != nil {
					return err
				}
				upd.ExpiresAt = &exp
			}
			upd.ClearExpiry = clearExpiry
			if upd.Empty() {
				return errors.New("nothing to update: pass at least one of --name, --permission, --tier, --expires, --clear-expiry")
			}

			return withStore(func(ctx context.Context, _ *config.YAMLConfig, store *config.Store) error {
				if err := store.UpdateAPIKey(ctx, id, upd); err != nil {
					return keyLookupError(id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated API key %d\n", id)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVar(&permission, "permission", "", "New permission level: read, write or read_write")
	cmd.Flags().StringVar(&tier, "tier", "", "New tier: basic, standard, premium or enterprise")
	cmd.Flags().StringVar(&expires, "expires", "", "New expiry as a duration (720h, 30d) or date")
	cmd.Flags().BoolVar(&clearExpiry, "clear-expiry", false, "Remove the expiry")

	return cmd
}

// ---------- key enable / disable ----------

func newKeyStatusCmd(verb string, active bool) *cobra.Command {
	short := "Re-enable a disabled API key"
	if !active {
		short = "Disable an API key, rejecting every further request made with it"
	}
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			return withStore(func(ctx context.Context, _ *config.YAMLConfig, store *config.Store) error {
				if err := store.SetAPIKeyActive(ctx, id, active); err != nil {
					return keyLookupError(id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "API key %d %sd\n", id, verb)
				return nil
			})
		},
	}
}

func keyLookupError(id int64, err error) error {
	if errors.Is(err, config.ErrNotFound) {
		return fmt.Errorf("no API key with id %d", id)
	}
	return err
}
