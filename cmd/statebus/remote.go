package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/statebus/client"
)

// newClient builds a client from the persistent --server and --auth flags.
func newClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	auth, _ := cmd.Flags().GetString("auth")

	var opts []client.Option
	if auth != "" {
		opts = append(opts, client.WithAuth(auth))
	}
	return client.New(server, opts...)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of every module",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		defer c.Close()

		rows, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), rows)
		return nil
	},
}

// printStatus writes one right-aligned line per module.
func printStatus(w io.Writer, rows []client.StatusRow) {
	width := 0
	for _, row := range rows {
		width = max(width, len(row[0]))
	}
	for _, row := range rows {
		fmt.Fprintf(w, "%*s: %-8s%s\n", width, row[0], row[1], row[2])
	}
}

var dumpCmd = &cobra.Command{
	Use:   "dump <module> [state]",
	Short: "Dump the fields of a module, or one field",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		defer c.Close()

		if len(args) == 2 {
			entry, err := c.Dump(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entry)
		}
		fields, err := c.DumpModule(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), fields)
	},
}

var dumpAllCmd = &cobra.Command{
	Use:   "dump-all",
	Short: "Dump every field of every module",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		defer c.Close()

		all, err := c.DumpAll(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), all)
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var setCmd = &cobra.Command{
	Use:   "set <module> <update>",
	Short: "Write fields of a module",
	Long: `Write fields of a module.

The update is a YAML flow mapping of field names to values, for example:

  statebus set thermostat '{ target: 22, mode: cool }'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		update, err := parseUpdate(args[1])
		if err != nil {
			return err
		}

		c := newClient(cmd)
		defer c.Close()

		if err := c.Set(cmd.Context(), args[0], update); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "OK")
		return nil
	},
}

// parseUpdate decodes a mapping literal such as "{ foo: 1 }".
func parseUpdate(s string) (map[string]any, error) {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(s), &node); err != nil {
		return nil, fmt.Errorf("invalid update: %w", err)
	}
	if len(node.Content) != 1 || node.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("invalid update, must be a mapping such as '{ foo: 1 }'")
	}
	var update map[string]any
	if err := node.Content[0].Decode(&update); err != nil {
		return nil, fmt.Errorf("invalid update: %w", err)
	}
	return update, nil
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <module> <state>",
	Short: "Stream changes of a field until interrupted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		defer c.Close()

		out := cmd.OutOrStdout()
		err := c.Subscribe(cmd.Context(), args[0], args[1], func(ch client.Change) error {
			value, err := json.Marshal(ch.Current.Value)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "%.3f %s\n", float64(ch.Current.UpdateTime)/1000, value)
			return err
		})
		if cmd.Context().Err() != nil {
			// interrupted
			return nil
		}
		return err
	},
}

var callCmd = &cobra.Command{
	Use:   "call <extension>",
	Short: "Run a server extension",
	Long: `Run a server extension and stream its output to stdout.

When stdin is not a terminal it is streamed to the extension as input.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		defer c.Close()

		var body io.Reader
		if in := cmd.InOrStdin(); !isTerminal(in) {
			body = in
		}
		return c.Call(cmd.Context(), args[0], body, cmd.OutOrStdout())
	},
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, dumpCmd, dumpAllCmd, setCmd, subscribeCmd, callCmd} {
		rootCmd.AddCommand(cmd)
	}
}
