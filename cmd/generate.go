package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/backlinkoo/linkwatch/internal/utils"
	"github.com/backlinkoo/linkwatch/pkg/content"
	"github.com/backlinkoo/linkwatch/pkg/usage"
)

// generateCmd implements: linkwatch generate --keyword k --target URL [--anchor a] [-o md|html|json]
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write an article that carries the backlink",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := content.Request{}
		req.Keyword, _ = cmd.Flags().GetString("keyword")
		req.AnchorText, _ = cmd.Flags().GetString("anchor")
		req.TargetURL, _ = cmd.Flags().GetString("target")
		req.WordCount, _ = cmd.Flags().GetInt("words")
		req.Tone, _ = cmd.Flags().GetString("tone")
		user, _ := cmd.Flags().GetString("user")
		output, _ := cmd.Flags().GetString("output")

		a, err := openApp(cmd, user != "")
		if err != nil {
			return err
		}
		defer a.close()

		art, err := a.gen.Generate(cmd.Context(), req)
		if err != nil {
			return err
		}
		for _, e := range art.Attempts {
			utils.Log.Debugf("Provider attempt: %v", e)
		}
		if user != "" {
			cost, _, err := a.tracker.RecordCompute(cmd.Context(), user, usage.CostRequest{
				Operation: "content_generation",
				Engine:    art.Provider,
				Success:   art.Provider != "template",
			})
			if err != nil {
				return err
			}
			if err := a.tracker.RecordEstimated(cmd.Context(), user, usage.OpCompute); err != nil {
				return err
			}
			utils.Log.Infof("Charged %s %.4f compute units", user, cost)
		}

		switch output {
		case "html":
			fmt.Println(art.HTML)
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Title     string `json:"title"`
				Slug      string `json:"slug"`
				Excerpt   string `json:"excerpt"`
				WordCount int    `json:"word_count"`
				Provider  string `json:"provider"`
				Markdown  string `json:"markdown"`
				HTML      string `json:"html"`
			}{art.Title, art.Slug, art.Excerpt, art.WordCount, art.Provider, art.Markdown, art.HTML})
		default:
			fmt.Println(art.Markdown)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().String("keyword", "", "Topic keyword (required)")
	generateCmd.Flags().String("anchor", "", "Anchor text for the link (default: the keyword)")
	generateCmd.Flags().String("target", "", "URL the article links to (required)")
	generateCmd.Flags().Int("words", 1000, "Approximate length")
	generateCmd.Flags().String("tone", "", "Writing tone, e.g. professional, casual")
	generateCmd.Flags().String("user", "", "Charge the generation to this user")
	generateCmd.Flags().StringP("output", "o", "md", "Output format: md, html or json")
	generateCmd.MarkFlagRequired("keyword")
	generateCmd.MarkFlagRequired("target")
}
