package main

import (
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/reasoning-cli/internal/fetcher"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Load and query record collections",
	Long:  "Commands for importing files into record collections and querying them with filter expressions.",
}

// -- records import --

var recordsImportCmd = &cobra.Command{
	Use:   "import <collection> <file>",
	Short: "Import a CSV, TSV, JSON or XLSX file into a collection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		opts, err := importOptions(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := fetcher.Import(ctx, st, args[0], args[1], opts)
		if err != nil {
			return eris.Wrap(err, "records import")
		}
		fmt.Printf("imported %d records into %s\n", n, args[0])
		return nil
	},
}

func importOptions(cmd *cobra.Command) (fetcher.Options, error) {
	format, _ := cmd.Flags().GetString("format")
	idField, _ := cmd.Flags().GetString("id-field")
	infer, _ := cmd.Flags().GetBool("infer-types")
	delim, _ := cmd.Flags().GetString("delimiter")
	sheet, _ := cmd.Flags().GetString("sheet")
	batch, _ := cmd.Flags().GetInt("batch-size")

	opts := fetcher.Options{
		Format:     fetcher.Format(format),
		IDField:    idField,
		InferTypes: infer,
		SheetName:  sheet,
		BatchSize:  batch,
	}
	if delim != "" {
		r, size := utf8.DecodeRuneInString(delim)
		if size != len(delim) {
			return opts, eris.Errorf("records import: delimiter must be a single character, got %q", delim)
		}
		opts.Delimiter = r
	}
	return opts, nil
}

// -- records list --

var recordsListCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "Print records of a collection matching a filter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		filter, _ := cmd.Flags().GetString("filter")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		recs, err := st.QueryRecords(ctx, args[0], filter)
		if err != nil {
			return eris.Wrap(err, "records list")
		}
		if limit > 0 && len(recs) > limit {
			recs = recs[:limit]
		}
		return printJSON(os.Stdout, recs)
	},
}

// -- records count --

var recordsCountCmd = &cobra.Command{
	Use:   "count [collection]",
	Short: "Count records matching a filter, or list every collection",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		filter, _ := cmd.Flags().GetString("filter")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if len(args) == 0 {
			cols, err := st.ListCollections(ctx)
			if err != nil {
				return eris.Wrap(err, "records count")
			}
			formatCollections(os.Stdout, cols)
			return nil
		}
		n, err := st.CountRecords(ctx, args[0], filter)
		if err != nil {
			return eris.Wrap(err, "records count")
		}
		fmt.Println(n)
		return nil
	},
}

func init() {
	f := recordsImportCmd.Flags()
	f.String("format", "", "file format: csv, json or xlsx (default from extension)")
	f.String("id-field", "", "column or key used as the record id")
	f.Bool("infer-types", true, "convert numeric and boolean cells in tabular files")
	f.String("delimiter", "", "CSV field delimiter (default comma, tab for .tsv)")
	f.String("sheet", "", "XLSX sheet name (default first sheet)")
	f.Int("batch-size", fetcher.DefaultInsertBatch, "records per insert")

	for _, c := range []*cobra.Command{recordsListCmd, recordsCountCmd} {
		c.Flags().String("filter", "", `filter expression, e.g. "age >= 30 AND city = 'Paris'"`)
	}
	recordsListCmd.Flags().Int("limit", 100, "max records to print (0 for all)")

	recordsCmd.AddCommand(recordsImportCmd)
	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsCountCmd)
	rootCmd.AddCommand(recordsCmd)
}
