package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/hh-screener/internal/logger"
)

type startRequest struct {
	JD          string `json:"jd"`
	Resume      string `json:"resume"`
	PhoneNumber string `json:"phone_number"`
}

type startResponse struct {
	CallSid string `json:"call_sid"`
	Status  string `json:"status"`
	Detail  string `json:"detail"`
}

var callCmd = &cobra.Command{
	Use:   "call PHONE_NUMBER",
	Short: "Ask a running server to start a screening call",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		call(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().StringP("server", "s", "http://localhost:8000", "base url of the hh-screener server")
	callCmd.Flags().String("jd-file", "", "file with the job description")
	callCmd.Flags().String("resume-file", "", "file with the candidate resume")
}

func call(cmd *cobra.Command, phone string) {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	jd, err := readOptional(cmd.Flag("jd-file").Value.String())
	if err != nil {
		logger.Fatal("reading the job description", zap.Error(err))
	}
	resume, err := readOptional(cmd.Flag("resume-file").Value.String())
	if err != nil {
		logger.Fatal("reading the resume", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := startCall(ctx, http.DefaultClient, cmd.Flag("server").Value.String(), startRequest{
		JD:          jd,
		Resume:      resume,
		PhoneNumber: phone,
	})
	if err != nil {
		logger.Fatal("starting the call", zap.Error(err))
	}

	logger.Info("call started", zap.String("call_id", resp.CallSid), zap.String("status", resp.Status))
}

func startCall(ctx context.Context, client *http.Client, server string, body startRequest) (*startResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(server, "/") + "/start-phone-interview"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	var out startResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", res.StatusCode, err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server answered %d: %s", res.StatusCode, out.Detail)
	}
	return &out, nil
}

func readOptional(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
