package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/rheap"
)

func init() {
	rootCmd.AddCommand(newClassesCmd())
}

func newClassesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classes [size...]",
		Short: "Show the pool class table",
		Long: `The classes command prints the pool class table that AllocateBuffer routes
requests through: the default table, or the one from --config. Given sizes, it
prints the class each size would be served from.

Example:
  heaptrace classes
  heaptrace classes 100 4096 20000
  heaptrace classes --config options.json --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClasses(cmd.OutOrStdout(), args)
		},
	}
	return cmd
}

type classRoute struct {
	Size    int    `json:"size"`
	Class   int    `json:"class"`
	Ceiling int    `json:"ceiling,omitempty"`
	Error   string `json:"error,omitempty"`
}

type classesDocument struct {
	Classes []rheap.PoolClass `json:"classes"`
	Routes  []classRoute      `json:"routes,omitempty"`
}

func runClasses(out io.Writer, args []string) error {
	options, _, err := loadConfig()
	if err != nil {
		return err
	}

	classes := options.PoolClasses
	if len(classes) == 0 {
		classes = rheap.DefaultPoolClasses()
	}

	table, err := rheap.NewPoolClassTable(classes)
	if err != nil {
		return err
	}

	document := classesDocument{Classes: table.Classes()}
	for _, arg := range args {
		size, err := strconv.Atoi(arg)
		if err != nil {
			return errors.Wrapf(err, "invalid size %q", arg)
		}

		route := classRoute{Size: size}
		route.Class, _, err = table.PickPoolClass(size)
		if err != nil {
			route.Error = err.Error()
		} else {
			route.Ceiling = table.Class(route.Class).Ceiling
		}
		document.Routes = append(document.Routes, route)
	}

	if jsonOut {
		data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(document, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	fmt.Fprintf(out, "%-6s %-10s %-10s %s\n", "Class", "Ceiling", "Capacity", "Slots")
	for index, class := range document.Classes {
		fmt.Fprintf(out, "%-6d %-10d %-10d %d\n", index, class.Ceiling, class.Capacity, class.Capacity/class.Ceiling)
	}

	for _, route := range document.Routes {
		if route.Error != "" {
			fmt.Fprintf(out, "%d bytes: %s\n", route.Size, route.Error)
			continue
		}
		fmt.Fprintf(out, "%d bytes: class %d (%d byte ceiling)\n", route.Size, route.Class, route.Ceiling)
	}

	return nil
}
