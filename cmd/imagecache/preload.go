package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meigma/imagecache"
)

type preloadOpts struct {
	*rootOpts
	file string
}

func newPreloadCommand(parent *rootOpts) *cobra.Command {
	opts := &preloadOpts{rootOpts: parent}
	cmd := &cobra.Command{
		Use:   "preload [path...]",
		Short: "Warm the cache for a list of images",
		Long: strings.TrimSpace(`
Warm the cache for the given paths and for every line of --file.
Blank lines and lines starting with # are ignored. Use - to read stdin.`),
		RunE: opts.run,
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "read paths from this file, one per line")
	return cmd
}

func (opts *preloadOpts) run(cmd *cobra.Command, args []string) error {
	paths := append([]string(nil), args...)
	if opts.file != "" {
		more, err := readPaths(cmd.InOrStdin(), opts.file)
		if err != nil {
			return err
		}
		paths = append(paths, more...)
	}

	out := cmd.OutOrStdout()
	res := opts.cache.Preload(cmd.Context(), paths, func(e imagecache.ProgressEvent) {
		if e.Total == 0 {
			return
		}
		status := "ok"
		if !e.Found {
			status = "failed"
		}
		fmt.Fprintf(out, "[%d/%d] %3.0f%% %s %s\n", e.Done, e.Total, e.Fraction()*100, status, e.Path)
	})
	fmt.Fprintf(out, "loaded %d, failed %d of %d\n", res.Loaded, res.Failed, res.Total)

	switch {
	case res.Canceled:
		return errors.New("preload canceled")
	case res.Failed > 0:
		return fmt.Errorf("%d of %d images failed to load", res.Failed, res.Total)
	}
	return nil
}

// readPaths reads one path per line from name, or from stdin when name is "-".
func readPaths(stdin io.Reader, name string) ([]string, error) {
	r := stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var paths []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return paths, nil
}
