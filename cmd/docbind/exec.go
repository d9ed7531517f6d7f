package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/myuser/docbind/internal/binding"
	"github.com/spf13/cobra"
)

func newExecCommand(a *app) *cobra.Command {
	var cjson bool
	cmd := &cobra.Command{
		Use:   "exec SQL",
		Short: "Run a query and print the matching documents, one per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context) error {
				return runExec(ctx, a.db, args[0], cjson, cmd.OutOrStdout(), cmd.ErrOrStderr())
			})
		},
	}
	cmd.Flags().BoolVar(&cjson, "cjson", false, "fetch items as CJSON")
	return cmd
}

func runExec(ctx context.Context, db *binding.Binding, query string, cjson bool, stdout, stderr io.Writer) error {
	var opts []binding.SelectOption
	if cjson {
		opts = append(opts, binding.WithCJSON())
	}
	rows, err := db.Query(ctx, query, opts...)
	if err != nil {
		return err
	}
	defer rows.Close()

	out := bufio.NewWriter(stdout)
	for rows.Next() {
		out.Write(rows.Item().JSON)
		out.WriteByte('\n')
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if ex := rows.Explain(); len(ex) > 0 {
		fmt.Fprintf(stderr, "explain: %s\n", ex)
	}
	fmt.Fprintf(stderr, "%d of %d items\n", rows.Count(), rows.TotalCount())
	return out.Flush()
}

func newNamespacesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "namespaces",
		Aliases: []string{"ns"},
		Short:   "List namespace definitions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context) error {
				defs, err := a.db.Namespaces(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(defs)
			})
		},
	}
}
