package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func logsCmd() *cobra.Command {
	var lines int
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the runtime log",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, paths, err := loadPaths()
			if err != nil {
				return err
			}
			path := paths.RuntimeLog()
			offset, err := printTail(cmd, path, lines)
			if err != nil {
				return err
			}
			if !follow {
				return nil
			}
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(time.Second):
				}
				offset, err = printFrom(cmd, path, offset)
				if err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "poll for new lines")
	return cmd
}

// printTail prints the last n lines and returns the end-of-file offset.
func printTail(cmd *cobra.Command, path string, n int) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	for _, line := range all {
		if line != "" {
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
	}
	return int64(len(data)), nil
}

// printFrom prints everything appended past offset.
func printFrom(cmd *cobra.Command, path string, offset int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return offset, nil
		}
		return offset, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return offset, err
	}
	if info.Size() <= offset {
		return offset, nil
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return offset, err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(buf))
	return info.Size(), nil
}
