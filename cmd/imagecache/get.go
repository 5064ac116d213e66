package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var errNotFound = errors.New("image not found")

type getOpts struct {
	*rootOpts
	output string
}

func newGetCommand(parent *rootOpts) *cobra.Command {
	opts := &getOpts{rootOpts: parent}
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Fetch one image through the cache",
		Args:  cobra.ExactArgs(1),
		RunE:  opts.run,
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write the JPEG to this file instead of stdout")
	return cmd
}

func (opts *getOpts) run(cmd *cobra.Command, args []string) error {
	img, err := opts.cache.Fetch(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("%w: %s: %w", errNotFound, args[0], err)
	}
	if opts.output == "" {
		_, err = cmd.OutOrStdout().Write(img.Data)
		return err
	}
	if err := os.WriteFile(opts.output, img.Data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", opts.output, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: %dx%d, %d bytes\n", opts.output, img.Width, img.Height, len(img.Data))
	return nil
}
