package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/s3kv/s3kv/internal/tags"
)

func newTagsCmd() *cobra.Command {
	tagsCmd := &cobra.Command{
		Use:   "tags",
		Short: "Tag keys and search by tag",
		Long: `Tag keys and search by tag.

Setting tags replaces all existing tags on the key. Searches scan every key
and fetch its tags, so they are slow on large namespaces.

Examples:
  s3kv tags set users/alice team=core env=prod
  s3kv tags set-prefix users/ kind=user
  s3kv tags get users/alice
  s3kv tags find env prod
  s3kv tags delete env staging`,
	}

	tagsCmd.AddCommand(&cobra.Command{
		Use:   "set <key> <name=value>...",
		Short: "Replace the tags of a key",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := parseTags(args[1:])
			if err != nil {
				return err
			}
			idx, err := openIndex(cmd)
			if err != nil {
				return err
			}
			return idx.Tag(cmd.Context(), args[0], set)
		},
	})

	tagsCmd.AddCommand(&cobra.Command{
		Use:   "set-prefix <prefix> <name=value>...",
		Short: "Replace the tags of every key with a prefix",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := parseTags(args[1:])
			if err != nil {
				return err
			}
			idx, err := openIndex(cmd)
			if err != nil {
				return err
			}
			n, err := idx.TagWithPrefix(cmd.Context(), args[0], set)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Tagged %d keys\n", n)
			return err
		},
	})

	tagsCmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Show the tags of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := openIndex(cmd)
			if err != nil {
				return err
			}
			set, err := idx.GetKeyTags(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(set) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tags.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tVALUE")
			for _, name := range slices.Sorted(maps.Keys(set)) {
				_, _ = fmt.Fprintf(w, "%s\t%s\n", name, set[name])
			}
			return w.Flush()
		},
	})

	tagsCmd.AddCommand(&cobra.Command{
		Use:   "find <name> <value>",
		Short: "List keys carrying a tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := openIndex(cmd)
			if err != nil {
				return err
			}
			keys, err := idx.FindKeysByTag(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			for _, key := range keys {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	})

	tagsCmd.AddCommand(&cobra.Command{
		Use:   "delete <name> <value>",
		Short: "Delete every key carrying a tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := openIndex(cmd)
			if err != nil {
				return err
			}
			n, err := idx.DeleteByTag(cmd.Context(), args[0], args[1])
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d keys\n", n)
			return err
		},
	})

	return tagsCmd
}

func openIndex(cmd *cobra.Command) (*tags.Index, error) {
	store, err := openStore(cmd.Context())
	if err != nil {
		return nil, err
	}
	return tags.New(store, tags.Options{ScanConcurrency: cfg.Tags.ScanConcurrency}), nil
}

// parseTags parses name=value arguments. Values may contain '='.
func parseTags(args []string) (tags.Set, error) {
	set := make(tags.Set, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid tag %q: expected name=value", arg)
		}
		set[name] = value
	}
	return set, nil
}
