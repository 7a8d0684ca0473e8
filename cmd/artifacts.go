package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"forecastcache/internal/bootstrap"
	"forecastcache/internal/domain/artifact"
	"forecastcache/internal/errs"
	"forecastcache/internal/ports"
	"forecastcache/internal/usecase/artifacts"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <subject>",
	Short: "Print the latest valid artifact for a subject",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, app *bootstrap.App) error {
		ctx := cmd.Context()
		language, _ := cmd.Flags().GetString("language")
		stage, _ := cmd.Flags().GetBool("stage")
		out := cmd.OutOrStdout()

		var (
			result artifacts.LookupResult
			files  ports.StagedFiles
			err    error
		)
		if stage {
			files, result, err = app.Coordinator.Materialize(ctx, args[0], language)
		} else {
			result, err = app.Coordinator.Lookup(ctx, args[0], language)
		}
		if err != nil {
			return errs.Wrap(err, "lookup artifact")
		}

		subject := artifact.NormalizeSubject(args[0])
		switch {
		case result.Degraded:
			_, err = fmt.Fprintf(out, "miss subject=%s degraded=true (artifact store unavailable)\n", subject)
		case !result.Hit:
			_, err = fmt.Fprintf(out, "miss subject=%s\n", subject)
		default:
			err = writeHit(out, result, files)
		}
		if err != nil {
			return errs.Wrap(err, "write lookup output")
		}
		return nil
	}),
}

func writeHit(out io.Writer, result artifacts.LookupResult, files ports.StagedFiles) error {
	item := result.Artifact
	age := time.Duration(result.AgeSeconds * float64(time.Second)).Round(time.Second)

	if _, err := fmt.Fprintf(
		out,
		"hit subject=%s id=%s age=%s expires=%s encoding=%s text=%s audio=%s\n",
		item.Subject,
		item.ID,
		age,
		item.ExpiresAt.UTC().Format(time.RFC3339),
		item.TextEncoding,
		humanize.Bytes(uint64(item.TextSize)),
		humanize.Bytes(uint64(item.AudioSize)),
	); err != nil {
		return err
	}
	if files.TextPath != "" {
		if _, err := fmt.Fprintf(out, "staged text: %s\n", files.TextPath); err != nil {
			return err
		}
	}
	if files.AudioPath != "" {
		if _, err := fmt.Fprintf(out, "staged audio: %s\n", files.AudioPath); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(out, item.Text)
	return err
}

var uploadCmd = &cobra.Command{
	Use:   "upload <subject>",
	Short: "Store a freshly generated artifact",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, app *bootstrap.App) error {
		req, err := uploadRequestFromFlags(cmd, args[0])
		if err != nil {
			return err
		}

		result, err := app.Coordinator.Upload(cmd.Context(), req)
		if err != nil {
			return errs.Wrap(err, "upload artifact")
		}

		out := cmd.OutOrStdout()
		if result.Skipped {
			_, err = fmt.Fprintf(out, "skipped subject=%s (artifact came from cache)\n", result.Subject)
		} else {
			_, err = fmt.Fprintf(
				out,
				"stored subject=%s id=%s encoding=%s text=%s audio=%s expires=%s\n",
				result.Subject,
				result.ID,
				result.TextEncoding,
				humanize.Bytes(uint64(result.TextSize)),
				humanize.Bytes(uint64(result.AudioSize)),
				result.ExpiresAt.UTC().Format(time.RFC3339),
			)
		}
		if err != nil {
			return errs.Wrap(err, "write upload output")
		}
		return nil
	}),
}

func uploadRequestFromFlags(cmd *cobra.Command, subject string) (artifacts.UploadRequest, error) {
	text, err := resolveText(cmd)
	if err != nil {
		return artifacts.UploadRequest{}, err
	}

	rawEncoding, _ := cmd.Flags().GetString("encoding")
	encoding, err := artifact.ParseRequestedEncoding(rawEncoding)
	if err != nil {
		return artifacts.UploadRequest{}, err
	}

	var audio []byte
	audioFile, _ := cmd.Flags().GetString("audio-file")
	audioFormat, _ := cmd.Flags().GetString("audio-format")
	if strings.TrimSpace(audioFile) != "" {
		audio, err = os.ReadFile(audioFile)
		if err != nil {
			return artifacts.UploadRequest{}, errs.Wrapf(err, "read audio file %q", audioFile)
		}
		if audioFormat == "" {
			audioFormat = strings.TrimPrefix(strings.ToLower(filepath.Ext(audioFile)), ".")
		}
	}

	language, _ := cmd.Flags().GetString("language")
	locale, _ := cmd.Flags().GetString("locale")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl < 0 {
		return artifacts.UploadRequest{}, errors.New("ttl must not be negative")
	}
	fromCache, _ := cmd.Flags().GetBool("from-cache")
	meta, _ := cmd.Flags().GetStringToString("meta")

	var metadata map[string]any
	if len(meta) > 0 {
		metadata = make(map[string]any, len(meta))
		for key, value := range meta {
			metadata[key] = value
		}
	}

	return artifacts.UploadRequest{
		Subject:     subject,
		Text:        text,
		Encoding:    encoding,
		Language:    language,
		Locale:      locale,
		Audio:       audio,
		AudioFormat: audioFormat,
		Metadata:    metadata,
		TTL:         ttl,
		FromCache:   fromCache,
	}, nil
}

func resolveText(cmd *cobra.Command) (string, error) {
	inlineText, _ := cmd.Flags().GetString("text")
	textFile, _ := cmd.Flags().GetString("text-file")

	if strings.TrimSpace(inlineText) != "" && strings.TrimSpace(textFile) != "" {
		return "", errors.New("text and text-file are mutually exclusive")
	}

	if strings.TrimSpace(textFile) != "" {
		raw, err := os.ReadFile(textFile)
		if err != nil {
			return "", errs.Wrapf(err, "read text file %q", textFile)
		}
		inlineText = string(raw)
	}

	if strings.TrimSpace(inlineText) == "" {
		return "", errors.New("text is required (set --text or --text-file)")
	}
	return inlineText, nil
}

var historyCmd = &cobra.Command{
	Use:   "history [subject]",
	Short: "List stored artifacts newest first, expired ones included",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, app *bootstrap.App) error {
		subject := ""
		if len(args) == 1 {
			subject = args[0]
		}
		limit, _ := cmd.Flags().GetInt("limit")

		items, err := app.Coordinator.History(cmd.Context(), subject, limit)
		if err != nil {
			return errs.Wrap(err, "list history")
		}
		if err := writeHistory(cmd.OutOrStdout(), items); err != nil {
			return errs.Wrap(err, "write history output")
		}
		return nil
	}),
}

func writeHistory(out io.Writer, items []ports.ArtifactSummary) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "GENERATED\tSUBJECT\tLANG\tENCODING\tTEXT\tAUDIO\tSTATE\tID"); err != nil {
		return err
	}
	for _, item := range items {
		state := "valid"
		if item.Expired {
			state = "expired"
		}
		language := item.Language
		if language == "" {
			language = "-"
		}
		if _, err := fmt.Fprintf(
			tw,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(item.GeneratedAt),
			item.Subject,
			language,
			item.TextEncoding,
			humanize.Bytes(uint64(item.TextSize)),
			humanize.Bytes(uint64(item.AudioSize)),
			state,
			item.ID,
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func addUploadFlags(cmd *cobra.Command) {
	cmd.Flags().String("text", "", "Artifact text")
	cmd.Flags().String("text-file", "", "Read artifact text from file")
	cmd.Flags().String("encoding", "", "Text encoding: utf8, utf16, utf32 or auto (store default when empty)")
	cmd.Flags().String("audio-file", "", "Audio file to store with the text")
	cmd.Flags().String("audio-format", "", "Audio format (defaults to the audio file extension, then wav)")
	cmd.Flags().String("language", "", "ISO 639-1 language code")
	cmd.Flags().String("locale", "", "Full locale, e.g. en-US")
	cmd.Flags().Duration("ttl", 0, "Time to live (store default when zero)")
	cmd.Flags().Bool("from-cache", false, "Artifact was served from cache; skip storing it")
	cmd.Flags().StringToString("meta", nil, "Extra metadata as key=value pairs")
}

func init() {
	rootCmd.AddCommand(lookupCmd)
	lookupCmd.Flags().String("language", "", "ISO 639-1 language filter")
	lookupCmd.Flags().Bool("stage", false, "Also write the hit to the staging directory")

	rootCmd.AddCommand(uploadCmd)
	addUploadFlags(uploadCmd)

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int("limit", 10, "Maximum number of rows")
}
