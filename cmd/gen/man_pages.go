package gen

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/luma/gep/internal/meta"
)

var (
	docsDir    string
	docsFormat string
)

var ManPagesCmd = &cobra.Command{
	Use:   "docs",
	Short: "Generate man pages or markdown for every gep command",
	Long: `Generate up-to-date documentation for every gep command. By default
man pages are written to the "man" directory under the current directory.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(docsDir, 0750); err != nil {
			return err
		}

		root := cmd.Root()
		root.DisableAutoGenTag = true

		fmt.Printf("Generating %s docs in %s\n", docsFormat, docsDir)

		switch docsFormat {
		case "man":
			header := &doc.GenManHeader{
				Section: "1",
				Manual:  "gep Manual",
				Source:  meta.GetInfo().String(),
			}

			return doc.GenManTree(root, header, docsDir)

		case "markdown", "md":
			return doc.GenMarkdownTree(root, docsDir)

		default:
			return fmt.Errorf("Unknown format %q, expected man or markdown", docsFormat)
		}
	},
}

func init() {
	flags := ManPagesCmd.PersistentFlags()

	flags.StringVar(&docsDir, "dir", "man", "the directory to write the docs to")
	flags.StringVar(&docsFormat, "format", "man", "man or markdown")

	// For bash-completion
	if err := flags.SetAnnotation("dir", cobra.BashCompSubdirsInDir, []string{}); err != nil {
		panic(err)
	}
}
