package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/spigell/hh-screener/internal/callog"
	"github.com/spigell/hh-screener/internal/logger"
)

const (
	outputJSON = "json"
	outputYAML = "yaml"

	PromptExit = "exit"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect stored interview logs",
}

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List interview logs, newest first",
	Run: func(_ *cobra.Command, _ []string) {
		sink, log := openSink()
		summaries, err := sink.List(context.Background())
		if err != nil {
			log.Fatal("listing logs", zap.Error(err))
		}
		for _, s := range summaries {
			fmt.Printf("%s\t%s\t%s\texchanges=%d\n", s.Timestamp.Format("2006-01-02 15:04:05"), s.CallID, s.Status, s.ExchangeCount)
		}
	},
}

var logsShowCmd = &cobra.Command{
	Use:   "show CALL_ID",
	Short: "Print one interview log",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sink, log := openSink()
		rec, err := sink.Get(context.Background(), args[0])
		if err != nil {
			log.Fatal("reading log", zap.Error(err))
		}
		if err := printRecord(os.Stdout, rec, cmd.Flag("output").Value.String()); err != nil {
			log.Fatal("printing log", zap.Error(err))
		}
	},
}

var logsBrowseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Pick interview logs interactively",
	Run: func(_ *cobra.Command, _ []string) {
		sink, log := openSink()
		if err := browse(sink); err != nil && !errors.Is(err, promptui.ErrInterrupt) {
			log.Fatal("browsing logs", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.AddCommand(logsListCmd, logsShowCmd, logsBrowseCmd)

	logsCmd.PersistentFlags().String("logs-dir", "", "directory with interview logs (default interview_logs)")
	logsShowCmd.Flags().StringP("output", "o", outputYAML, "output format: yaml or json")

	viper.BindPFlag("logs-dir", logsCmd.PersistentFlags().Lookup("logs-dir"))
}

func openSink() (*callog.FileSink, *zap.Logger) {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	sink, err := callog.NewFileSink(viper.GetString("logs-dir"), logger)
	if err != nil {
		logger.Fatal("opening logs directory", zap.Error(err))
	}
	return sink, logger
}

func printRecord(w io.Writer, rec *callog.Record, format string) error {
	switch strings.ToLower(format) {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	case outputYAML, "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(rec)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

func browse(sink callog.Sink) error {
	ctx := context.Background()
	for {
		summaries, err := sink.List(ctx)
		if err != nil {
			return err
		}

		items := make([]string, 0, len(summaries)+1)
		for _, s := range summaries {
			items = append(items, fmt.Sprintf("%s %s / %s / %d exchanges",
				s.CallID, s.Timestamp.Format("2006-01-02 15:04"), s.Status, s.ExchangeCount,
			))
		}

		logPrompt := promptui.Select{
			Label: "Choose an interview and press ENTER",
			Items: append(items, PromptExit),
			Size:  15,
		}

		_, selected, err := logPrompt.Run()
		if err != nil {
			return err
		}
		if selected == PromptExit {
			return nil
		}

		callID := strings.Split(selected, " ")[0]
		rec, err := sink.Get(ctx, callID)
		if err != nil {
			return err
		}
		if err := printRecord(os.Stdout, rec, outputYAML); err != nil {
			return err
		}
	}
}
