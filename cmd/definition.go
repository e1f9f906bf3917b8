package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/reasoning-cli/internal/definition"
	"github.com/sells-group/reasoning-cli/internal/store"
)

var definitionCmd = &cobra.Command{
	Use:     "definition",
	Aliases: []string{"def"},
	Short:   "Manage reasoning transaction definitions",
	Long:    "Commands for creating, validating, listing, updating and deleting definitions.",
}

// -- definition validate --

var definitionValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a definition file without storing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		def, err := definition.LoadFile(args[0])
		if err != nil {
			return err
		}
		definition.Normalize(def)
		res := definitions(cfg, nil).Validate(def)
		formatValidation(os.Stdout, res)
		if !res.Valid() {
			return eris.Wrapf(definition.ErrInvalidDefinition, "%d error(s)", len(res.Errors))
		}
		return nil
	},
}

// -- definition create --

var definitionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a definition from a YAML or JSON file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		file, _ := cmd.Flags().GetString("file")

		def, err := definition.LoadFile(file)
		if err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		def.ID = ""
		res, err := definitions(cfg, st).Create(ctx, def)
		if err != nil {
			if errors.Is(err, definition.ErrInvalidDefinition) {
				formatValidation(os.Stderr, res)
			}
			return err
		}
		formatValidation(os.Stderr, res)
		fmt.Println(def.ID)
		return nil
	},
}

// -- definition update --

var definitionUpdateCmd = &cobra.Command{
	Use:   "update <definition-id>",
	Short: "Replace a stored definition with the contents of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		file, _ := cmd.Flags().GetString("file")

		def, err := definition.LoadFile(file)
		if err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		def.ID = args[0]
		res, err := definitions(cfg, st).Update(ctx, def)
		if err != nil && !errors.Is(err, definition.ErrInvalidDefinition) {
			return err
		}
		formatValidation(os.Stderr, res)
		return err
	},
}

// -- definition list --

var definitionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List definitions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		name, _ := cmd.Flags().GetString("name")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		defs, err := definitions(cfg, st).List(ctx, store.DefinitionFilter{NameContains: name, Limit: limit})
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			fmt.Fprintln(os.Stderr, "No definitions found.")
			return nil
		}
		formatDefinitionsList(os.Stdout, defs)
		return nil
	},
}

// -- definition show --

var definitionShowCmd = &cobra.Command{
	Use:   "show <definition-id>",
	Short: "Show a definition as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		def, err := definitions(cfg, st).Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, def)
	},
}

// -- definition delete --

var definitionDeleteCmd = &cobra.Command{
	Use:   "delete <definition-id>",
	Short: "Delete a definition no instance references",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return definitions(cfg, st).Delete(ctx, args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{definitionCreateCmd, definitionUpdateCmd} {
		c.Flags().StringP("file", "f", "", "definition file, YAML or JSON (required)")
		_ = c.MarkFlagRequired("file")
	}
	definitionListCmd.Flags().String("name", "", "filter by name substring")
	definitionListCmd.Flags().Int("limit", 50, "max number of definitions to display")

	definitionCmd.AddCommand(definitionValidateCmd)
	definitionCmd.AddCommand(definitionCreateCmd)
	definitionCmd.AddCommand(definitionUpdateCmd)
	definitionCmd.AddCommand(definitionListCmd)
	definitionCmd.AddCommand(definitionShowCmd)
	definitionCmd.AddCommand(definitionDeleteCmd)
	rootCmd.AddCommand(definitionCmd)
}
