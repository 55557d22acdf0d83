package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhubert/csharply-sidecar/organizer"
	"github.com/zhubert/csharply-sidecar/sidecar"
)

var organizeCmd = &cobra.Command{
	Use:   "organize [files...]",
	Short: "Organize C# files through the worker",
	Long: `Send each file to the worker and report its outcome. Changed files are only
rewritten with --write.

With no files, or the single file "-", the text is read from stdin and the
organized text is written to stdout. --stdin-path names the file it came from
so ignore files still apply.`,
	RunE: runOrganize,
}

func init() {
	organizeCmd.Flags().BoolP("write", "w", false, "Write organized content back to the files")
	organizeCmd.Flags().String("stdin-path", "", "Path used for ignore matching when reading stdin")
	rootCmd.AddCommand(organizeCmd)
}

func runOrganize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	write, err := cmd.Flags().GetBool("write")
	if err != nil {
		return err
	}

	org := organizer.New(cfg)
	defer org.Shutdown()

	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		stdinPath, err := cmd.Flags().GetString("stdin-path")
		if err != nil {
			return err
		}
		return organizeStdin(cmd, org, stdinPath)
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		res, err := organizeFile(cmd, org, path, write)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			failed++
			continue
		}

		status := res.Outcome
		switch {
		case res.Action != "":
			status += " (" + res.Action + ")"
		case res.Changed && !write:
			status += " (would change)"
		}
		fmt.Fprintf(out, "%-48s %-32s %5dms\n", path, status, res.Elapsed.Milliseconds())

		if isWorkerError(res.Outcome) {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(args))
	}
	return nil
}

func organizeFile(cmd *cobra.Command, org *organizer.Organizer, path string, write bool) (organizer.FormatResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return organizer.FormatResult{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return organizer.FormatResult{}, err
	}

	res, err := org.Format(cmd.Context(), path, string(data))
	if err != nil {
		return organizer.FormatResult{}, err
	}

	if res.Changed && write {
		if err := os.WriteFile(path, []byte(res.Content), info.Mode().Perm()); err != nil {
			return res, fmt.Errorf("failed to write organized file: %w", err)
		}
	}
	return res, nil
}

func organizeStdin(cmd *cobra.Command, org *organizer.Organizer, path string) error {
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read stdin: %w", err)
	}
	text := string(data)

	res, err := org.Format(cmd.Context(), path, text)
	if err != nil {
		return err
	}
	if isWorkerError(res.Outcome) {
		return fmt.Errorf("worker failed: %s", res.Outcome)
	}

	if res.Changed {
		text = res.Content
	}
	_, err = io.WriteString(cmd.OutOrStdout(), text)
	return err
}

func isWorkerError(outcome string) bool {
	return sidecar.Result{Outcome: outcome}.Failed()
}
