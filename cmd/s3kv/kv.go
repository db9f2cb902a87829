package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/s3kv/s3kv/internal/kv"
	"github.com/s3kv/s3kv/pkg/bytesize"
)

func newPutCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "put <key> [json]",
		Short: "Store a JSON document under a key",
		Long: `Store a JSON document under a key, replacing any previous value.

The document is taken from the second argument, from --file, or from stdin.

Examples:
  s3kv put users/alice '{"name":"alice"}'
  s3kv put users/bob --file bob.json
  cat carol.json | s3kv put users/carol`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			switch {
			case len(args) == 2:
				raw = []byte(args[1])
			case file != "":
				raw, err = os.ReadFile(file)
			default:
				raw, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}

			doc, err := parseDocument(raw)
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			return store.Add(cmd.Context(), args[0], doc)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the document from a file")
	return cmd
}

func newGetCmd() *cobra.Command {
	var cached bool
	var def string
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the document stored under a key",
		Long: `Print the document stored under a key.

By default the value is read from S3. With --cached only the local cache is
consulted, which may be stale if the key was changed by another client.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fallback kv.Document
			if def != "" {
				var err error
				if fallback, err = parseDocument([]byte(def)); err != nil {
					return err
				}
			}

			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}

			var doc kv.Document
			if cached {
				var ok bool
				if doc, ok = store.GetFromCache(args[0]); !ok {
					doc = fallback
				}
			} else {
				doc, err = store.Get(cmd.Context(), args[0], fallback)
				if err != nil {
					return err
				}
			}

			if doc == nil {
				return fmt.Errorf("key %q not found", args[0])
			}
			return printJSON(cmd.OutOrStdout(), doc)
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "read from the local cache only")
	cmd.Flags().StringVar(&def, "default", "", "document to print when the key does not exist")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key>...",
		Aliases: []string{"rm"},
		Short:   "Delete keys",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			for _, key := range args {
				if err := store.Delete(cmd.Context(), key); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newExistsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <key>",
		Short: "Report whether a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			exists, err := store.KeyExists(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), exists)
			return nil
		},
	}
}

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "keys [prefix]",
		Aliases: []string{"ls"},
		Short:   "List keys, optionally limited to a prefix",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}

			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for key, err := range store.Keys(cmd.Context(), prefix) {
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(out, key)
			}
			return nil
		},
	}
}

func newCopyCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "copy <src> <dst>",
		Aliases: []string{"cp"},
		Short:   "Copy the value of one key to another",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			return store.CopyKey(cmd.Context(), args[0], args[1])
		},
	}
}

func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <dst> <src>...",
		Short: "Merge documents into a new key",
		Long: `Merge the top-level fields of the source documents into dst.

Sources are applied in order, so later sources win on shared fields.
Missing sources are skipped.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			return store.MergeKeys(cmd.Context(), args[1:], args[0])
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <key>...",
		Short: "Show size and modification time of keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "KEY\tSIZE\tLAST MODIFIED")
			for _, key := range args {
				size, err := store.GetKeySize(cmd.Context(), key)
				if err != nil {
					return err
				}
				modified, err := store.GetKeyLastModified(cmd.Context(), key)
				if err != nil {
					return err
				}
				if modified.IsZero() {
					_, _ = fmt.Fprintf(w, "%s\t-\t-\n", key)
					continue
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", key, bytesize.Format(size), modified.Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

// parseDocument decodes a JSON object.
func parseDocument(raw []byte) (kv.Document, error) {
	doc, err := kv.DecodeDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document must be a JSON object, got null")
	}
	return doc, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

